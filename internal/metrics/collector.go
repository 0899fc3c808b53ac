package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cccl/gp-engine/internal/aggregate"
	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/ingest"
	"github.com/cccl/gp-engine/internal/tcpserver"
)

// Stats access to the live subsystems. Any field may be nil; disabled
// subsystems simply export no series.
type Sources struct {
	Ingest   IngestStats
	TCP      TCPStats
	Rollup   RollupStats
	Bus      BusStats
	Liveness LivenessStats
}

type IngestStats interface {
	Stats() ingest.Stats
}

type TCPStats interface {
	Stats() tcpserver.Stats
}

type RollupStats interface {
	Stats() aggregate.Stats
}

type BusStats interface {
	Subscribers(group string) int
	Published() uint64
	Dropped() uint64
}

type LivenessStats interface {
	Transitions() uint64
}

type liveMetric struct {
	desc   *prometheus.Desc
	typ    prometheus.ValueType
	read   func() float64
	labels []string
}

// Collector implements prometheus.Collector, reading live counters from the
// running subsystems at scrape time.
type Collector struct {
	metrics []liveMetric
}

func NewCollector(src Sources) *Collector {
	c := &Collector{}
	add := func(name, help string, typ prometheus.ValueType, read func() float64, labels ...string) {
		var variable []string
		if len(labels) > 0 {
			variable = []string{"group"}
		}
		c.metrics = append(c.metrics, liveMetric{
			desc:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, nil),
			typ:    typ,
			read:   read,
			labels: labels,
		})
	}

	if in := src.Ingest; in != nil {
		add("mqtt_received_total", "MQTT messages received.", prometheus.CounterValue,
			func() float64 { return float64(in.Stats().Received) })
		add("mqtt_processed_total", "MQTT messages fanned out.", prometheus.CounterValue,
			func() float64 { return float64(in.Stats().Processed) })
		add("mqtt_invalid_total", "MQTT messages rejected by validation.", prometheus.CounterValue,
			func() float64 { return float64(in.Stats().Invalid) })
		add("mqtt_dropped_total", "MQTT messages dropped on a full queue.", prometheus.CounterValue,
			func() float64 { return float64(in.Stats().Dropped) })
		add("fanout_errors_total", "Fan-out operations that failed or timed out.", prometheus.CounterValue,
			func() float64 { return float64(in.Stats().FanoutErrors) })
		add("ingest_queue_depth", "Messages waiting for the ingest worker.", prometheus.GaugeValue,
			func() float64 { return float64(in.Stats().QueueSize) })
		add("reassembly_pending", "Fragment buffers awaiting their terminator.", prometheus.GaugeValue,
			func() float64 { return float64(in.Stats().Pending) })
		add("last_message_timestamp_seconds", "Unix time of the last ingested message.", prometheus.GaugeValue,
			func() float64 {
				last := in.Stats().LastMessage
				if last.IsZero() {
					return 0
				}
				return float64(last.Unix())
			})
	}

	if tcp := src.TCP; tcp != nil {
		add("tcp_active_connections", "Open gateway connections.", prometheus.GaugeValue,
			func() float64 { return float64(tcp.Stats().ActiveConnections) })
		add("tcp_accepted_total", "Gateway connections accepted.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().Accepted) })
		add("tcp_refused_total", "Gateway connections refused on a full backlog.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().Refused) })
		add("tcp_timeouts_total", "Gateway read timeouts.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().Timeouts) })
		add("tcp_parse_errors_total", "Gateway responses that failed to decode.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().ParseErrors) })
		add("tcp_commits_total", "Completed three-phase solar samples.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().Commits) })
		add("solar_writer_queue_depth", "Solar documents waiting for a batch flush.", prometheus.GaugeValue,
			func() float64 { return float64(tcp.Stats().WriterQueue) })
		add("solar_batches_flushed_total", "Solar batches written to the store.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().BatchesFlushed) })
		add("solar_insert_errors_total", "Failed solar bulk inserts.", prometheus.CounterValue,
			func() float64 { return float64(tcp.Stats().InsertErrors) })
	}

	if ag := src.Rollup; ag != nil {
		add("aggregation_runs_total", "Rollup job invocations.", prometheus.CounterValue,
			func() float64 { return float64(ag.Stats().Runs) })
		add("aggregation_documents_total", "Aggregated documents inserted.", prometheus.CounterValue,
			func() float64 { return float64(ag.Stats().Documents) })
		add("aggregation_errors_total", "Rollup read and write failures.", prometheus.CounterValue,
			func() float64 { return float64(ag.Stats().Errors) })
	}

	if b := src.Bus; b != nil {
		add("broadcast_published_total", "Events published to the broadcast hub.", prometheus.CounterValue,
			func() float64 { return float64(b.Published()) })
		add("broadcast_dropped_total", "Events dropped on slow subscribers.", prometheus.CounterValue,
			func() float64 { return float64(b.Dropped()) })
		for _, group := range []string{bus.GroupTelemetry, bus.GroupTCP} {
			group := group
			add("broadcast_subscribers", "Hub subscribers per group.", prometheus.GaugeValue,
				func() float64 { return float64(b.Subscribers(group)) }, group)
		}
	}

	if lv := src.Liveness; lv != nil {
		add("device_transitions_total", "Device online/offline transitions emitted.", prometheus.CounterValue,
			func() float64 { return float64(lv.Transitions()) })
	}

	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.typ, m.read(), m.labels...)
	}
}
