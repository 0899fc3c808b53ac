// Package mqttclient wraps the paho client with the connection surface the
// ingest pipeline needs: TLS, protocol selection, bounded reconnect backoff
// and QoS-aware subscriptions.
package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MessageHandler receives every inbound publish.
type MessageHandler func(topic string, payload []byte, qos byte, retained bool)

type Client struct {
	conn      mqtt.Client
	topics    []string
	qos       byte
	connected atomic.Bool
	log       zerolog.Logger
	handler   MessageHandler
}

type Options struct {
	BrokerURL      string
	ClientID       string
	Topics         []string
	QoS            byte
	Username       string
	Password       string
	CleanSession   bool
	Protocol       string // "311" or "5"
	Keepalive      time.Duration
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	MaxInflight    int

	TLS         bool
	CACerts     string
	CertFile    string
	KeyFile     string
	TLSVersion  string
	TLSInsecure bool

	OnMessage MessageHandler
	Log       zerolog.Logger
}

// Connect configures the client and starts the connection. An unreachable
// broker is not fatal: the client keeps retrying in the background and
// subscribes once connected. Bad TLS material is fatal.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		topics:  opts.Topics,
		qos:     opts.QoS,
		log:     opts.Log,
		handler: opts.OnMessage,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(opts.CleanSession).
		SetKeepAlive(opts.Keepalive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(opts.ReconnectMin).
		SetMaxReconnectInterval(opts.ReconnectMax).
		// Fragments of one packet must reach the pipeline in publish order.
		SetOrderMatters(true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onMessage)

	switch opts.Protocol {
	case "5":
		// The client library speaks 3.1.1; the broker side is compatible.
		opts.Log.Warn().Msg("MQTT 5 requested, client library negotiates 3.1.1")
		clientOpts.SetProtocolVersion(4)
	default:
		clientOpts.SetProtocolVersion(4)
	}

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	if opts.MaxInflight > 0 {
		clientOpts.SetMessageChannelDepth(uint(opts.MaxInflight))
	}

	if opts.TLS {
		tlsCfg, err := buildTLSConfig(opts)
		if err != nil {
			return nil, err
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.log.Warn().Str("broker", opts.BrokerURL).Msg("Broker not yet reachable, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = c.qos
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		c.log.Error().Err(err).Msg("MQTT subscribe failed")
		return
	}
	c.log.Info().Strs("topics", c.topics).Uint8("qos", c.qos).Msg("MQTT connected and subscribed")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("MQTT connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if c.handler != nil {
		c.handler(msg.Topic(), msg.Payload(), msg.Qos(), msg.Retained())
		return
	}
	c.log.Debug().
		Str("topic", msg.Topic()).
		Int("payload_size", len(msg.Payload())).
		Msg("MQTT message received without handler")
}

// IsConnected reports whether the broker session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects after letting in-flight work quiesce.
func (c *Client) Close() {
	c.log.Info().Msg("Disconnecting MQTT client")
	c.conn.Disconnect(1000)
}

func buildTLSConfig(opts Options) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tlsVersion(opts.TLSVersion),
		InsecureSkipVerify: opts.TLSInsecure,
	}
	if opts.CACerts != "" {
		pem, err := os.ReadFile(opts.CACerts)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CACerts)
		}
		cfg.RootCAs = pool
	}
	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func tlsVersion(name string) uint16 {
	switch name {
	case "TLSv1":
		return tls.VersionTLS10
	case "TLSv1_1":
		return tls.VersionTLS11
	case "TLSv1_2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}
