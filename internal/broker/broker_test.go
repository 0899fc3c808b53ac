package broker

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/mqttclient"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestEmbeddedBrokerRoundTrip(t *testing.T) {
	addr := freeAddr(t)

	b := New(addr, zerolog.Nop())
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	received := make(chan string, 8)
	sub, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: "tcp://" + addr,
		ClientID:  "gp-test-sub",
		Topics:    []string{"MQTT_RT_DATA"},
		OnMessage: func(topic string, payload []byte, qos byte, retained bool) {
			received <- topic + ":" + string(payload)
		},
		Log: zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Close)

	pub := paho.NewClient(paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("gp-test-pub"))
	if tok := pub.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("publisher connect: %v", tok.Error())
	}
	t.Cleanup(func() { pub.Disconnect(100) })

	// Publish until the subscription is live; QoS 0 with no retained copy
	// means anything sent before the subscribe completes is simply gone.
	body := `{"id": "em01", "isend": "1"}`
	deadline := time.Now().Add(10 * time.Second)
	for {
		pub.Publish("MQTT_RT_DATA", 0, false, body)
		select {
		case got := <-received:
			if want := "MQTT_RT_DATA:" + body; got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
			return
		case <-time.After(100 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("message never arrived through the embedded broker")
		}
	}
}

type collectingStore struct {
	mu   sync.Mutex
	docs map[string][]map[string]any
}

func (c *collectingStore) Insert(_ context.Context, collection string, doc map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.docs == nil {
		c.docs = make(map[string][]map[string]any)
	}
	c.docs[collection] = append(c.docs[collection], doc)
	return nil
}

func (c *collectingStore) count(collection string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs[collection])
}

// End to end: publish through the embedded broker, receive through the
// subscriber client, land in the store via the full ingest pipeline.
func TestBrokerFeedsIngestPipeline(t *testing.T) {
	addr := freeAddr(t)

	b := New(addr, zerolog.Nop())
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Close)

	st := &collectingStore{}
	hub := bus.NewHub()
	events, cancel := hub.Subscribe(bus.GroupTelemetry)
	defer cancel()

	pipe := ingest.NewPipeline(ingest.Options{
		QueueSize: 64,
		Store:     st,
		Broadcast: hub,
		Log:       zerolog.Nop(),
	})
	pipe.Start()
	t.Cleanup(pipe.Stop)

	sub, err := mqttclient.Connect(mqttclient.Options{
		BrokerURL: "tcp://" + addr,
		ClientID:  "gp-e2e-sub",
		Topics:    []string{"MQTT_RT_DATA"},
		OnMessage: pipe.HandleMessage,
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sub.Close)

	pub := paho.NewClient(paho.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("gp-e2e-pub"))
	if tok := pub.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("publisher connect: %v", tok.Error())
	}
	t.Cleanup(func() { pub.Disconnect(100) })

	body := `{"id": "GW-1", "time": "1717236000000", "isend": "1", "UA": 1.5}`
	deadline := time.Now().Add(10 * time.Second)
	for st.count("grid_rt_data") == 0 {
		pub.Publish("MQTT_RT_DATA", 0, false, body)
		time.Sleep(100 * time.Millisecond)
		if time.Now().After(deadline) {
			t.Fatal("document never reached the store")
		}
	}

	if st.count("telemetry_events") == 0 {
		t.Error("audit mirror did not receive the document")
	}

	select {
	case ev := <-events:
		if ev.Type != bus.TypeTelemetryMessage {
			t.Errorf("event type = %q, want %q", ev.Type, bus.TypeTelemetryMessage)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no broadcast event")
	}
}

func TestBrokerRejectsBusyAddress(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	b := New(l.Addr().String(), zerolog.Nop())
	if err := b.Start(); err == nil {
		b.Close()
		t.Fatal("expected an error for an already-bound address")
	}
}
