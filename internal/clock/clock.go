// Package clock adds a self re-arming ticker on top of clockwork, so
// heartbeat and presence polling can be driven by a fake clock in tests.
package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a handle to a repeating callback.
type Timer interface {
	// Stop prevents further calls. It reports whether the call stopped it.
	Stop() bool
}

// Every calls f every d on c until the returned Timer is stopped. Each period
// is scheduled after the previous callback returns, so calls never overlap.
func Every(c clockwork.Clock, d time.Duration, f func()) Timer {
	tk := &ticker{clock: c, period: d, fn: f}
	tk.arm()
	return tk
}

type ticker struct {
	clock  clockwork.Clock
	period time.Duration
	fn     func()

	mu      sync.Mutex
	timer   clockwork.Timer
	stopped bool
}

func (tk *ticker) arm() {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.stopped {
		return
	}
	tk.timer = tk.clock.AfterFunc(tk.period, tk.fire)
}

func (tk *ticker) fire() {
	tk.mu.Lock()
	stopped := tk.stopped
	tk.mu.Unlock()
	if stopped {
		return
	}
	tk.fn()
	tk.arm()
}

func (tk *ticker) Stop() bool {
	tk.mu.Lock()
	if tk.stopped {
		tk.mu.Unlock()
		return false
	}
	tk.stopped = true
	t := tk.timer
	tk.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return true
}
