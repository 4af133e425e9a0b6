package worker

import (
	"context"
	"sync/atomic"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawler/internal/interfaces"
)

// stalledSignalThreshold is how many consecutive overloaded checks trigger
// a worker_stalled event for the liveness surface
const stalledSignalThreshold = 10

// ResourceGate refuses new jobs while the host is above its CPU or memory
// thresholds. The gate never blocks jobs already running.
type ResourceGate struct {
	maxCPU  float64
	maxMem  float64
	strikes atomic.Int64
	events  interfaces.EventService
	logger  arbor.ILogger
}

// NewResourceGate creates the admission gate
func NewResourceGate(maxCPU, maxMem float64, events interfaces.EventService, logger arbor.ILogger) *ResourceGate {
	if maxCPU <= 0 || maxCPU > 1 {
		maxCPU = 0.8
	}
	if maxMem <= 0 || maxMem > 1 {
		maxMem = 0.8
	}
	return &ResourceGate{
		maxCPU: maxCPU,
		maxMem: maxMem,
		events: events,
		logger: logger,
	}
}

// Stalled reports whether the host has been over its thresholds long
// enough that no worker is picking up jobs. Surfaced via the health
// endpoint.
func (g *ResourceGate) Stalled() bool {
	return g.strikes.Load() >= stalledSignalThreshold
}

// Overloaded samples OS CPU and memory and reports whether the worker
// should back off before claiming a job. Sampling errors fail open.
func (g *ResourceGate) Overloaded(ctx context.Context) bool {
	overloaded := false

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		if percents[0]/100 > g.maxCPU {
			overloaded = true
		}
	}

	if !overloaded {
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			if vm.UsedPercent/100 > g.maxMem {
				overloaded = true
			}
		}
	}

	if !overloaded {
		g.strikes.Store(0)
		return false
	}

	strikes := g.strikes.Add(1)
	if strikes == stalledSignalThreshold {
		g.logger.Warn().
			Int64("consecutive_checks", strikes).
			Msg("Worker stalled on resource pressure")
		if g.events != nil {
			g.events.Publish(ctx, interfaces.Event{
				Type:    interfaces.EventWorkerStalled,
				Payload: strikes,
			})
		}
	}
	return true
}
