/*
Package metrics provides Prometheus metrics collection and exposition for the
storage engine's internal operational state: durability lag, replication
topology, and cluster slot ownership.

Metrics are registered at package init and exposed over HTTP via Handler()
for scraping by a Prometheus server. External command latency and per-command
counters are intentionally out of scope; this package only instruments the
engine's own health.

# Metrics Catalog

garnet_allocator_tail_bytes: Gauge, current tail logical address.

garnet_allocator_flush_duration_seconds{store}: Histogram, time to flush
dirty pages to the device, labeled by store kind (main/object).

garnet_aof_commit_duration_seconds: Histogram, time for an AOF commit to
become durable.

garnet_aof_tail_address: Gauge, current AOF tail logical address.

garnet_checkpoint_duration_seconds{store}: Histogram, time to complete a
checkpoint.

garnet_replica_count: Gauge, replicas connected to this primary.

garnet_replica_lag_bytes{replica_id}: Gauge, bytes between this primary's
AOF tail and a replica's acked offset.

garnet_replication_offset: Gauge, this node's replication offset.

garnet_slots_owned / garnet_slots_migrating: Gauge, cluster slot counts.

garnet_failovers_total: Counter, failovers this node has participated in.

garnet_txn_commits_total / garnet_txn_aborts_total: Counter, transaction
outcomes.

# Usage

	timer := metrics.NewTimer()
	// ... perform an AOF commit ...
	timer.ObserveDuration(metrics.AofCommitDuration)

Collector polls a StatsSource (implemented by pkg/store) on a 15s interval
to keep the gauge-shaped metrics current without every call site pushing
updates directly.
*/
package metrics
