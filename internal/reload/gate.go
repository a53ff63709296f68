package reload

import (
	"sync"
	"time"
)

// Gate is the compile state of one source: closed while a compile runs and
// for a cooldown after it, open otherwise. Attempts on a closed gate are
// refused, not queued.
type Gate struct {
	cooldown time.Duration
	mu       sync.Mutex
	busy     bool
	until    time.Time
	timer    *time.Timer
	stopped  bool
}

// NewGate creates an open gate with the given cooldown.
func NewGate(cooldown time.Duration) *Gate {
	return &Gate{cooldown: cooldown}
}

// TryAcquire closes the gate and reports true if it was open.
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy || g.stopped {
		return false
	}
	g.busy = true
	g.until = time.Time{}
	return true
}

// Release re-opens the gate once the cooldown has elapsed, counted from now.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.busy || g.stopped {
		return
	}
	if g.cooldown <= 0 {
		g.busy = false
		return
	}

	g.until = time.Now().Add(g.cooldown)
	g.timer = time.AfterFunc(g.cooldown, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.busy = false
		g.until = time.Time{}
		g.timer = nil
	})
}

// Busy reports whether the gate is closed.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// CoolingUntil returns when the current cooldown ends, or the zero time if
// the gate is open or a compile is still running.
func (g *Gate) CoolingUntil() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.until
}

// Stop cancels a pending cooldown and keeps the gate closed for good.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stopped = true
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}
