package metrics

import (
	"time"
)

// Snapshot is a point-in-time view of the gauges a cluster exposes
type Snapshot struct {
	Tick          uint64
	InFlight      int
	ObjectsByKind map[string]int
	Scheduled     map[string]int
	Ongoing       map[string]int
	Faults        map[string]bool
	Crashed       map[string]bool
}

// Source provides snapshots to the collector
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector samples gauges from a Source on an interval
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect samples the source once
func (c *Collector) Collect() {
	snap := c.source.MetricsSnapshot()

	NetworkInFlight.Set(float64(snap.InFlight))

	EtcdObjects.Reset()
	for kind, count := range snap.ObjectsByKind {
		EtcdObjects.WithLabelValues(kind).Set(float64(count))
	}

	for controller, count := range snap.Scheduled {
		ReconcilesScheduled.WithLabelValues(controller).Set(float64(count))
	}
	for controller, count := range snap.Ongoing {
		ReconcilesOngoing.WithLabelValues(controller).Set(float64(count))
	}

	for fault, enabled := range snap.Faults {
		FaultsEnabled.WithLabelValues(fault).Set(BoolGauge(enabled))
	}

	for controller, crashed := range snap.Crashed {
		msg := ""
		if crashed {
			msg = "crashed"
		}
		UpdateComponent("controller/"+controller, !crashed, msg)
	}
}
