package timectrl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcceleratedRunsForDuration(t *testing.T) {
	tc := NewTimeController(5*time.Millisecond, Accelerated)

	var calls atomic.Int32
	tc.AddListener(func(time.Time) { calls.Add(1) })

	done := tc.Start(context.Background(), 15*time.Millisecond)
	<-done

	if got := calls.Load(); got != 3 {
		t.Fatalf("listener calls = %d, want 3", got)
	}
	if got := tc.Ticks(); got != 3 {
		t.Fatalf("Ticks() = %d, want 3", got)
	}
	if tc.Running() {
		t.Fatalf("controller still running after duration elapsed")
	}
}

func TestStopEndsRealTimeLoop(t *testing.T) {
	tc := NewTimeController(time.Millisecond, RealTime)
	fired := make(chan struct{}, 1)
	tc.AddListener(func(time.Time) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	done := tc.Start(context.Background(), 0)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("no tick within 2s")
	}

	tc.Stop()
	select {
	case <-done:
	default:
		t.Fatalf("done channel open after Stop")
	}
	tc.Stop() // second stop is a no-op
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	tc := NewTimeController(time.Millisecond, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	first := tc.Start(ctx, 0)
	second := tc.Start(ctx, 0)
	if first != second {
		t.Fatalf("second Start returned a different loop")
	}
	cancel()
	<-first
}

func TestWallClockAfterFires(t *testing.T) {
	var c Clock = WallClock{}
	before := c.Now()
	<-c.After(time.Millisecond)
	if !c.Now().After(before) {
		t.Fatalf("clock did not advance")
	}
}
