// Package health samples process-wide resource usage in the background so
// the health endpoint never waits on a measurement.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vidshift/api/internal/model"
	"github.com/vidshift/api/pkg/logger"
)

// Usage is one resource measurement in percent.
type Usage struct {
	CPU    float64
	Memory float64
}

// Sampler measures current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// ActiveCounter reports how many jobs are executing.
type ActiveCounter interface {
	ActiveJobs() int64
}

// Monitor keeps the latest snapshot in an atomic pointer.
type Monitor struct {
	sampler  Sampler
	counter  ActiveCounter
	interval time.Duration
	timeout  time.Duration
	latest   atomic.Pointer[model.HealthSnapshot]
	log      *logger.Logger
}

// NewMonitor takes a first sample right away so Snapshot is never empty.
func NewMonitor(sampler Sampler, counter ActiveCounter, interval, timeout time.Duration, log *logger.Logger) *Monitor {
	m := &Monitor{
		sampler:  sampler,
		counter:  counter,
		interval: interval,
		timeout:  timeout,
		log:      log.WithComponent("health"),
	}
	m.latest.Store(&model.HealthSnapshot{SampledAt: time.Now().UTC()})
	m.sample(context.Background())
	return m
}

// Run samples on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// Snapshot returns the latest sample with a live active-job count.
func (m *Monitor) Snapshot() model.HealthSnapshot {
	snap := *m.latest.Load()
	snap.ActiveJobs = m.counter.ActiveJobs()
	return snap
}

func (m *Monitor) sample(ctx context.Context) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	u, err := m.sampler.Sample(ctx)
	if err != nil {
		// Keep serving the previous values.
		m.log.WithError(err).Warn("resource sample failed")
		return
	}
	m.latest.Store(&model.HealthSnapshot{
		CPUUsage:    u.CPU,
		MemoryUsage: u.Memory,
		ActiveJobs:  m.counter.ActiveJobs(),
		SampledAt:   time.Now().UTC(),
	})
}
