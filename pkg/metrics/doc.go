/*
Package metrics registers repnode's Prometheus metrics and a small
/health, /ready and /live HTTP surface.

Metrics cover replication throughput (write-sets and bytes replicated
and received), conflict handling (certification failures, BF-aborts,
read-view failures), flow control, SST transfers, and the current
cluster view. Collector polls the subset of these that live in Store
state (cluster size, read-view failures); the throughput, conflict,
duration and SST metrics are updated inline by pkg/txn and pkg/sst as
events happen. Nothing sets the flow-control counter or the is-primary
gauge, so both stay at zero.

	metrics.WriteSetsReplicated.Inc()
	timer := metrics.NewTimer()
	// ... commit ...
	timer.ObserveDuration(metrics.CommitDuration)

/metrics is served with promhttp.Handler(); pkg/node's stats loop also
logs a single-line periodic summary built from Store.Snapshot, the
Store's read-view failure count and this package's counters (read with
CounterValue), without going through the HTTP surface.
*/
package metrics
