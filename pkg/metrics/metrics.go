package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// These are internal operational metrics only: storage-engine health,
// durability lag, and replication/cluster topology. External command
// latency histograms and per-command counters are out of scope and are
// left to a RESP-facing layer outside this module.
var (
	AllocatorTailBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_allocator_tail_bytes",
			Help: "Current tail logical address of the main-store log",
		},
	)

	AllocatorFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "garnet_allocator_flush_duration_seconds",
			Help:    "Time taken to flush dirty pages to the device",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	AofCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "garnet_aof_commit_duration_seconds",
			Help:    "Time taken for an AOF commit to become durable",
			Buckets: prometheus.DefBuckets,
		},
	)

	AofTailAddress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_aof_tail_address",
			Help: "Current AOF tail logical address",
		},
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "garnet_checkpoint_duration_seconds",
			Help:    "Time taken to complete a checkpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	ReplicaCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_replica_count",
			Help: "Number of replicas currently connected to this primary",
		},
	)

	ReplicaLagBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "garnet_replica_lag_bytes",
			Help: "Bytes between this primary's AOF tail and a replica's acked offset",
		},
		[]string{"replica_id"},
	)

	ReplicationOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_replication_offset",
			Help: "This node's current replication offset",
		},
	)

	SlotsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_slots_owned",
			Help: "Number of cluster slots owned by this node",
		},
	)

	SlotsMigrating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "garnet_slots_migrating",
			Help: "Number of cluster slots currently in MIGRATING or IMPORTING state",
		},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garnet_failovers_total",
			Help: "Total number of failovers this node has participated in",
		},
	)

	TxnCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garnet_txn_commits_total",
			Help: "Total number of transactions committed",
		},
	)

	TxnAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "garnet_txn_aborts_total",
			Help: "Total number of transactions aborted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AllocatorTailBytes,
		AllocatorFlushDuration,
		AofCommitDuration,
		AofTailAddress,
		CheckpointDuration,
		ReplicaCount,
		ReplicaLagBytes,
		ReplicationOffset,
		SlotsOwned,
		SlotsMigrating,
		FailoversTotal,
		TxnCommitsTotal,
		TxnAbortsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatsSource is implemented by the top-level store so the metrics poller
// can sample gauges that aren't naturally updated at their point of change
// (replica lag, slot counts) on a fixed interval instead.
type StatsSource interface {
	MainLogTailBytes() int64
	AofTailAddress() int64
	ReplicaCount() int
	ReplicaLag() map[string]int64
	ReplicationOffset() int64
	SlotsOwned() int
	SlotsMigrating() int
}

// StartPoller samples src into the package gauges every interval until the
// returned stop function is called.
func StartPoller(src StatsSource, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				poll(src)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func poll(src StatsSource) {
	AllocatorTailBytes.Set(float64(src.MainLogTailBytes()))
	AofTailAddress.Set(float64(src.AofTailAddress()))
	ReplicaCount.Set(float64(src.ReplicaCount()))
	ReplicationOffset.Set(float64(src.ReplicationOffset()))
	SlotsOwned.Set(float64(src.SlotsOwned()))
	SlotsMigrating.Set(float64(src.SlotsMigrating()))
	for replicaID, lag := range src.ReplicaLag() {
		ReplicaLagBytes.WithLabelValues(replicaID).Set(float64(lag))
	}
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
