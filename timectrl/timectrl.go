package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall time so timeline code can be driven by tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// WallClock is the real clock.
type WallClock struct{}

func (WallClock) Now() time.Time                         { return time.Now() }
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mode describes how the TimeController paces its ticks.
type Mode int

const (
	// RealTime fires one tick per Tick interval of wall time.
	RealTime Mode = iota
	// Accelerated fires ticks back to back, advancing simulated time by Tick.
	Accelerated
)

// TimeController fires registered listeners on every tick. The layout loop
// is driven by one of these.
type TimeController struct {
	mu        sync.RWMutex
	Tick      time.Duration
	Mode      Mode
	listeners []func(time.Time)

	currentTime time.Time
	ticks       uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTimeController constructs a controller. It does nothing until Start.
func NewTimeController(tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &TimeController{Tick: tick, Mode: mode}
}

// Now returns the time of the last tick, or the zero time before the first.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Ticks returns how many ticks have fired since construction.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick, in registration
// order, on the controller goroutine.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Running reports whether the tick loop is active.
func (tc *TimeController) Running() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.done != nil
}

// Start runs the tick loop until ctx is cancelled, Stop is called, or
// duration has elapsed (duration <= 0 means no limit). The returned channel
// is closed when the loop exits. Starting a running controller returns the
// existing loop's channel.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	tc.mu.Lock()
	if tc.done != nil {
		done := tc.done
		tc.mu.Unlock()
		return done
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	tc.cancel = cancel
	tc.done = done
	start := time.Now()
	tc.currentTime = start
	tc.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			tc.mu.Lock()
			if tc.done == done {
				tc.done = nil
				tc.cancel = nil
			}
			tc.mu.Unlock()
			close(done)
		}()

		var ticker *time.Ticker
		if tc.Mode == RealTime {
			ticker = time.NewTicker(tc.Tick)
			defer ticker.Stop()
		}

		simTime := start
		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			} else if ctx.Err() != nil {
				return
			}

			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			tc.ticks++
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(simTime)
			}
		}
	}()
	return done
}

// Stop ends the tick loop and waits for it to exit. It is a no-op when the
// controller is not running.
func (tc *TimeController) Stop() {
	tc.mu.Lock()
	cancel, done := tc.cancel, tc.done
	tc.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
