package metrics

import (
	"time"

	"github.com/lancache/cachectl-core/pkg/operations"
	"github.com/lancache/cachectl-core/pkg/pushbus"
)

const collectEvery = 15 * time.Second

// Collector periodically snapshots the operation registry and push
// bus into the exported gauges.
type Collector struct {
	ops    *operations.Registry
	bus    *pushbus.Bus
	stopCh chan struct{}
}

// NewCollector builds a metrics collector over the process's registry
// and bus.
func NewCollector(ops *operations.Registry, bus *pushbus.Bus) *Collector {
	return &Collector{ops: ops, bus: bus, stopCh: make(chan struct{})}
}

// Start begins the collection loop.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(collectEvery)
		defer ticker.Stop()
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the collection loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	running := make(map[string]int)
	byStatus := make(map[[2]string]int)
	for _, rec := range c.ops.List() {
		if rec.Status == operations.StatusRunning {
			running[string(rec.Kind)]++
		}
		byStatus[[2]string{string(rec.Kind), string(rec.Status)}]++
	}
	for kind, n := range running {
		OperationsRunning.WithLabelValues(kind).Set(float64(n))
	}
	for key, n := range byStatus {
		OperationsByStatus.WithLabelValues(key[0], key[1]).Set(float64(n))
	}

	PushBusSubscribers.Set(float64(c.bus.Count()))
	PushBusDroppedEvents.Set(float64(c.bus.Dropped()))
}
