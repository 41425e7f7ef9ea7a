// Package monitoring exposes the Prometheus metrics emitted by the
// store and mesh replicator: merge throughput, replication traffic, and
// vector search behavior.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters and gauges the store and mesh package
// update as they operate. Construct one with New and pass it down to
// both.
type Metrics struct {
	MergesApplied     prometheus.Counter
	MergeDuration     prometheus.Histogram
	PutOps            prometheus.Counter
	DeleteOps         prometheus.Counter
	RemoteDropsOrigin prometheus.Counter
	ActiveLinks       prometheus.Gauge
	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	BytesSent         prometheus.Counter
	SendQueueDrops    prometheus.Counter
	VectorSearchOps   prometheus.Counter
	VectorSearchLat   prometheus.Histogram
	IndexSize         prometheus.Gauge
	RuleErrors        prometheus.Counter
	SubscriberErrors  prometheus.Counter
}

// New registers and returns a fresh Metrics set against reg. Pass a
// dedicated *prometheus.Registry (rather than the global default) when
// more than one Store may coexist in a process, e.g. in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := newFactory(reg)
	return &Metrics{
		MergesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_merges_applied_total",
			Help: "Total number of CRDT merges applied to records.",
		}),
		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pluresdb_merge_duration_seconds",
			Help:    "Time taken to compute and persist a merge.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		PutOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_put_ops_total",
			Help: "Total number of local put operations.",
		}),
		DeleteOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_delete_ops_total",
			Help: "Total number of local delete operations.",
		}),
		RemoteDropsOrigin: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_remote_drops_origin_total",
			Help: "Messages discarded because originId matched this peer.",
		}),
		ActiveLinks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pluresdb_mesh_active_links",
			Help: "Number of currently active mesh links.",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_mesh_messages_sent_total",
			Help: "Total number of mesh messages sent across all links.",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_mesh_messages_received_total",
			Help: "Total number of mesh messages received across all links.",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_mesh_bytes_sent_total",
			Help: "Total bytes sent across all mesh links.",
		}),
		SendQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_mesh_send_queue_drops_total",
			Help: "Messages dropped because a link's bounded send queue was full.",
		}),
		VectorSearchOps: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_vector_search_ops_total",
			Help: "Total number of vector similarity searches performed.",
		}),
		VectorSearchLat: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pluresdb_vector_search_duration_seconds",
			Help:    "Vector similarity search latency distribution.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		IndexSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pluresdb_vector_index_size",
			Help: "Number of vectors currently held in the similarity index.",
		}),
		RuleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_rule_errors_total",
			Help: "Total number of rule evaluation errors, caught and logged.",
		}),
		SubscriberErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pluresdb_subscriber_errors_total",
			Help: "Total number of subscriber callback errors, isolated from the merge.",
		}),
	}
}

type factory struct {
	reg prometheus.Registerer
}

func newFactory(reg prometheus.Registerer) factory {
	return factory{reg: reg}
}

func (f factory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if f.reg != nil {
		f.reg.MustRegister(c)
	}
	return c
}

func (f factory) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if f.reg != nil {
		f.reg.MustRegister(g)
	}
	return g
}

func (f factory) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	if f.reg != nil {
		f.reg.MustRegister(h)
	}
	return h
}
