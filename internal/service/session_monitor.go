package service

import (
	"context"
	"sync"
	"time"
)

// DefaultMonitorInterval is how often the session monitor ticks.
const DefaultMonitorInterval = 60 * time.Second

// SessionMonitor runs a periodic check until stopped or until the check asks to stop.
type SessionMonitor struct {
	mu       sync.Mutex
	run      *monitorRun
	requests uint64
}

type monitorRun struct {
	stop chan struct{}
	done chan struct{}
}

// Start begins ticking every interval. fn returns false to end the run.
// Start is a no-op while a run is active, but a run that is about to end because fn
// returned false keeps going when Start was called during that tick.
func (m *SessionMonitor) Start(ctx context.Context, interval time.Duration, fn func(context.Context) bool) {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if m.run != nil {
		return
	}
	run := &monitorRun{stop: make(chan struct{}), done: make(chan struct{})}
	m.run = run
	go m.loop(ctx, run, interval, fn)
}

// Stop ends the current run and waits for it to exit.
// It must not be called from inside the tick function.
func (m *SessionMonitor) Stop() {
	m.mu.Lock()
	run := m.run
	m.run = nil
	m.mu.Unlock()
	if run == nil {
		return
	}
	close(run.stop)
	<-run.done
}

// Running reports whether a run is active.
func (m *SessionMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

func (m *SessionMonitor) loop(ctx context.Context, run *monitorRun, interval time.Duration, fn func(context.Context) bool) {
	defer close(run.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-run.stop:
			return
		case <-ctx.Done():
			m.detach(run)
			return
		case <-ticker.C:
			m.mu.Lock()
			seen := m.requests
			m.mu.Unlock()

			if fn(ctx) {
				continue
			}

			m.mu.Lock()
			stopped := m.run != run
			restarted := m.requests != seen
			if !stopped && !restarted {
				m.run = nil
			}
			m.mu.Unlock()
			if stopped || !restarted {
				return
			}
		}
	}
}

func (m *SessionMonitor) detach(run *monitorRun) {
	m.mu.Lock()
	if m.run == run {
		m.run = nil
	}
	m.mu.Unlock()
}
