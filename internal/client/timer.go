package client

import (
	"sync"
	"time"
)

// LocalTimer is the one-second tick source driving the local countdown. It
// runs independently of network availability. Start is idempotent and Stop
// is safe to call more than once; the tick callback is never invoked after
// Stop returns the timer to the stopped state.
type LocalTimer struct {
	mu       sync.Mutex
	interval time.Duration
	onTick   func()
	stop     chan struct{}
}

// NewLocalTimer creates a stopped timer. interval is normally one second;
// tests shorten it.
func NewLocalTimer(interval time.Duration, onTick func()) *LocalTimer {
	if interval <= 0 {
		interval = time.Second
	}
	return &LocalTimer{interval: interval, onTick: onTick}
}

// Start begins ticking. Calling Start on a running timer is a no-op, so a
// double start can never leak a second ticker.
func (t *LocalTimer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return
	}
	stop := make(chan struct{})
	t.stop = stop

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.onTick()
			}
		}
	}()
}

// Stop halts ticking. Safe to call on a stopped timer.
func (t *LocalTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return
	}
	close(t.stop)
	t.stop = nil
}

// Running reports whether the timer is currently ticking.
func (t *LocalTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
