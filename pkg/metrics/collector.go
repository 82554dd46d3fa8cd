package metrics

import "time"

// Collector polls a StatsSource on an interval and updates the package's
// gauges, mirroring the teacher's periodic-collect pattern but sourced from
// an interface instead of a concrete manager type.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over the given source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{source: source, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds.
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
	ReplicaCount.Set(float64(c.source.ReplicaCount()))
	ReplicationOffset.Set(float64(c.source.ReplicationOffset()))
	SlotsOwned.Set(float64(c.source.SlotsOwned()))
	SlotsMigrating.Set(float64(c.source.SlotsMigrating()))
	AofTailAddress.Set(float64(c.source.AofTailAddress()))

	for replicaID, lag := range c.source.ReplicaLag() {
		ReplicaLagBytes.WithLabelValues(replicaID).Set(float64(lag))
	}
}
