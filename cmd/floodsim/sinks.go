package main

import (
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scheduler"
)

// promSink feeds committed ticks into the Prometheus exporter.
type promSink struct{ exp *metrics.Exporter }

func (p promSink) WriteTick(rec scheduler.TickRecord) error {
	p.exp.Observe(rec.Snapshot)
	return nil
}
