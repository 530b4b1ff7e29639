// Package task provides a periodic background task runner, a cancelable
// "run this every N" loop. The DNS cache uses it to refresh each cached
// entry.
package task

import (
	"sync"
	"time"

	"github.com/xtls-httpcore/rpcx/internal/rpclog"
)

// Periodic runs Execute on a fixed interval until Close is called. A panic
// inside Execute is recovered and logged rather than crashing the owning
// goroutine.
type Periodic struct {
	// Interval between executions.
	Interval time.Duration
	// Execute is the task body. A non-nil error only gets logged; it never
	// stops the loop.
	Execute func() error
	// Logger receives panic/error reports. Defaults to a no-op.
	Logger rpclog.Logger

	access  sync.Mutex
	timer   *time.Timer
	running bool
}

func (t *Periodic) log() rpclog.Logger {
	return rpclog.OrNop(t.Logger)
}

func (t *Periodic) isRunning() bool {
	t.access.Lock()
	defer t.access.Unlock()
	return t.running
}

func (t *Periodic) runOnce() {
	if !t.isRunning() {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.log().Error("periodic task panicked", "recover", r)
			}
		}()

		if err := t.Execute(); err != nil {
			t.log().Warn("periodic task execution failed", "error", err)
		}

		t.access.Lock()
		if t.running {
			t.timer = time.AfterFunc(t.Interval, t.runOnce)
		}
		t.access.Unlock()
	}()
}

// Start begins the periodic loop, running Execute immediately and then
// every Interval. Calling Start on an already-running Periodic is a
// no-op.
func (t *Periodic) Start() error {
	t.access.Lock()
	if t.running {
		t.access.Unlock()
		return nil
	}
	t.running = true
	t.access.Unlock()

	t.runOnce()
	return nil
}

// StartDelayed begins the periodic loop with its first Execute deferred
// by initial instead of run immediately — for a task whose first
// opportunity to do useful work is one interval out, not at t=0.
// Calling StartDelayed on an already-running Periodic is a no-op.
func (t *Periodic) StartDelayed(initial time.Duration) error {
	t.access.Lock()
	if t.running {
		t.access.Unlock()
		return nil
	}
	t.running = true
	t.timer = time.AfterFunc(initial, t.runOnce)
	t.access.Unlock()

	return nil
}

// Close stops the loop. Safe to call multiple times.
func (t *Periodic) Close() error {
	t.access.Lock()
	defer t.access.Unlock()

	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return nil
}
