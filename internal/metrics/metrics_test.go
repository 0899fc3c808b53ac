package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cccl/gp-engine/internal/aggregate"
	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/tcpserver"
)

type fakeIngest struct{ s ingest.Stats }

func (f fakeIngest) Stats() ingest.Stats { return f.s }

type fakeTCP struct{ s tcpserver.Stats }

func (f fakeTCP) Stats() tcpserver.Stats { return f.s }

type fakeRollup struct{ s aggregate.Stats }

func (f fakeRollup) Stats() aggregate.Stats { return f.s }

type fakeBus struct {
	subs      map[string]int
	published uint64
	dropped   uint64
}

func (f fakeBus) Subscribers(group string) int { return f.subs[group] }
func (f fakeBus) Published() uint64            { return f.published }
func (f fakeBus) Dropped() uint64              { return f.dropped }

type fakeLiveness struct{ n uint64 }

func (f fakeLiveness) Transitions() uint64 { return f.n }

func TestCollectorExportsLiveCounters(t *testing.T) {
	src := Sources{
		Ingest: fakeIngest{ingest.Stats{
			Received:    10,
			Processed:   8,
			Invalid:     1,
			Dropped:     1,
			QueueSize:   3,
			Pending:     2,
			LastMessage: time.Unix(1748779200, 0).UTC(),
		}},
		TCP:      fakeTCP{tcpserver.Stats{ActiveConnections: 2, Commits: 5}},
		Rollup:   fakeRollup{aggregate.Stats{Runs: 4, Documents: 7}},
		Bus:      fakeBus{subs: map[string]int{bus.GroupTelemetry: 3}, published: 20, dropped: 1},
		Liveness: fakeLiveness{2},
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(src))
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	value := func(name string) float64 {
		t.Helper()
		for _, mf := range fams {
			if mf.GetName() != name {
				continue
			}
			for _, m := range mf.GetMetric() {
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				if g := m.GetGauge(); g != nil {
					return g.GetValue()
				}
			}
		}
		t.Fatalf("metric %s not exported", name)
		return 0
	}

	checks := []struct {
		name string
		want float64
	}{
		{"gp_engine_mqtt_received_total", 10},
		{"gp_engine_mqtt_processed_total", 8},
		{"gp_engine_ingest_queue_depth", 3},
		{"gp_engine_reassembly_pending", 2},
		{"gp_engine_last_message_timestamp_seconds", 1748779200},
		{"gp_engine_tcp_active_connections", 2},
		{"gp_engine_tcp_commits_total", 5},
		{"gp_engine_aggregation_runs_total", 4},
		{"gp_engine_aggregation_documents_total", 7},
		{"gp_engine_broadcast_published_total", 20},
		{"gp_engine_broadcast_dropped_total", 1},
		{"gp_engine_device_transitions_total", 2},
	}
	for _, tc := range checks {
		if got := value(tc.name); got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}

	for _, mf := range fams {
		if mf.GetName() == "gp_engine_broadcast_subscribers" {
			if len(mf.GetMetric()) != 2 {
				t.Errorf("broadcast_subscribers has %d series, want one per group", len(mf.GetMetric()))
			}
		}
	}
}

func TestCollectorSkipsNilSources(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(Sources{}))
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(fams) != 0 {
		t.Fatalf("empty sources exported %d families", len(fams))
	}
}

func TestInstrumentHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/ping-metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("pong"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/ping-metrics", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/ping-metrics", "418"))
	if got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}
}
