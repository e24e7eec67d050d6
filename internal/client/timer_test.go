package client

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalTimerTicks(t *testing.T) {
	var ticks atomic.Int64
	timer := NewLocalTimer(10*time.Millisecond, func() { ticks.Add(1) })

	timer.Start()
	defer timer.Stop()

	deadline := time.After(time.Second)
	for ticks.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 ticks, got %d", ticks.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLocalTimerStartIsIdempotent(t *testing.T) {
	var ticks atomic.Int64
	timer := NewLocalTimer(10*time.Millisecond, func() { ticks.Add(1) })

	timer.Start()
	timer.Start()
	timer.Start()
	defer timer.Stop()

	time.Sleep(55 * time.Millisecond)
	// One goroutine at ~10ms should land well under 10 ticks; three would not.
	if got := ticks.Load(); got > 9 {
		t.Fatalf("duplicate Start spawned extra tickers: %d ticks in 55ms", got)
	}
	if !timer.Running() {
		t.Fatal("expected timer to report running")
	}
}

func TestLocalTimerStopTwiceIsSafe(t *testing.T) {
	timer := NewLocalTimer(10*time.Millisecond, func() {})
	timer.Start()
	timer.Stop()
	timer.Stop()

	if timer.Running() {
		t.Fatal("expected timer to report stopped")
	}
}

func TestLocalTimerStopHaltsTicks(t *testing.T) {
	var ticks atomic.Int64
	timer := NewLocalTimer(10*time.Millisecond, func() { ticks.Add(1) })

	timer.Start()
	time.Sleep(35 * time.Millisecond)
	timer.Stop()

	// A tick already in flight when Stop lands may still complete.
	time.Sleep(15 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if got := ticks.Load(); got != settled {
		t.Fatalf("timer ticked after Stop: %d -> %d", settled, got)
	}
}
