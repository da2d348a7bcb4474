package metrics

import (
	"time"

	"github.com/repnode/repnode/pkg/store"
)

// Collector periodically snapshots a Store's read-only counters into the
// registered gauges. Counters that belong to the hot path (write-sets
// replicated, certification failures, SST transfers) are updated
// directly where they happen, in pkg/txn and pkg/sst; Collector only
// covers the state that has to be polled. Nothing updates the
// flow-control counter.
type Collector struct {
	store  *store.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector bound to a store.
func NewCollector(s *store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	members, _, _ := c.store.Snapshot()
	ClusterSize.Set(float64(members))
	ReadViewFailures.Set(float64(c.store.ReadViewFailures()))
}
