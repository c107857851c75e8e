// Package resilience provides the concurrency-bounding and retry primitives
// shared by the orchestrator, workers, and LLM transport.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeswarm/swarm/internal/bus"
)

// Limiter bounds two things simultaneously: at most MaxConcurrent in-flight
// acquisitions, and at most MaxPerHour successful acquisitions in any
// rolling one-hour window. It is the dual-bound limiter the orchestrator
// and every worker acquire before calling the LLM.
type Limiter struct {
	mu            sync.Mutex
	cond          *sync.Cond
	maxConcurrent int
	maxPerHour    int
	active        int
	timestamps    []time.Time
	bus           *bus.Bus
	name          string
}

// Config configures a Limiter.
type Config struct {
	MaxConcurrent   int
	MaxCallsPerHour int
	// Name identifies this limiter instance in rate-limit:wait events
	// (e.g. "shared" or "worker-2").
	Name string
}

const hourWindow = time.Hour

// New creates a Limiter. b may be nil, in which case no rate-limit:wait
// events are published.
func New(cfg Config, b *bus.Bus) *Limiter {
	l := &Limiter{
		maxConcurrent: cfg.MaxConcurrent,
		maxPerHour:    cfg.MaxCallsPerHour,
		bus:           b,
		name:          cfg.Name,
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// NewShared builds the limiter population shared by orchestrator calls.
func NewShared(cfg Config, b *bus.Bus) *Limiter {
	cfg.Name = "shared"
	return New(cfg, b)
}

// NewWorker builds a limiter dedicated to a single worker index, so workers
// never starve each other on the shared concurrency slots.
func NewWorker(workerIndex int, cfg Config, b *bus.Bus) *Limiter {
	cfg.Name = fmt.Sprintf("worker-%d", workerIndex)
	l := New(cfg, b)
	return l
}

// prune removes timestamps older than one hour. Must be called with l.mu held.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-hourWindow)
	i := 0
	for i < len(l.timestamps) && l.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = l.timestamps[i:]
	}
}

// admits reports whether both bounds currently allow one more acquisition.
// Must be called with l.mu held.
func (l *Limiter) admits(now time.Time) (bool, time.Duration) {
	l.prune(now)

	if l.active >= l.maxConcurrent {
		return false, 0
	}
	if len(l.timestamps) >= l.maxPerHour {
		wait := l.timestamps[0].Add(hourWindow).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}
	return true, 0
}

// Acquire blocks until both bounds admit the caller, then records the
// acquisition. Returns ctx.Err() if ctx is canceled first.
func (l *Limiter) Acquire(ctx context.Context) error {
	// Wake all waiters on cancellation so they can re-check ctx.Err().
	stop := make(chan struct{})
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				l.cond.Broadcast()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		now := time.Now()
		ok, wait := l.admits(now)
		if ok {
			l.active++
			l.timestamps = append(l.timestamps, now)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if wait > 0 && l.bus != nil {
			l.bus.Publish(bus.TopicRateLimitWait, RateLimitWaitEvent{
				Limiter:  l.name,
				Duration: wait,
			})
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}

		// Wake on Release, on cancellation, or when the hourly window
		// advances, whichever is sooner; every wake re-checks both bounds
		// since another waiter may have been admitted in the meantime.
		timer := time.AfterFunc(wait, l.cond.Broadcast)
		l.cond.Wait()
		timer.Stop()
	}
}

// Release frees an in-flight slot and wakes every waiter; each re-checks
// both bounds, so waiters are admitted in no guaranteed order.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// UpdateLimits changes the configured bounds without retroactively denying
// already-admitted callers.
func (l *Limiter) UpdateLimits(maxConcurrent, maxCallsPerHour int) {
	l.mu.Lock()
	l.maxConcurrent = maxConcurrent
	l.maxPerHour = maxCallsPerHour
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Active returns the current in-flight count, for diagnostics/tests.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// WindowCount returns the number of acquisitions within the last hour.
func (l *Limiter) WindowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return len(l.timestamps)
}

// RateLimitWaitEvent is published on bus.TopicRateLimitWait when a caller
// must sleep for the hourly bound.
type RateLimitWaitEvent struct {
	Limiter  string
	Duration time.Duration
}
