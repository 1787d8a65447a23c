package applier

import (
	"context"
	"sync"
)

// Gate is the suspend point the apply loop blocks on between operations.
// Pause and Resume come from the coordinator; Wait is called by the
// applier at each operation boundary.
type Gate struct {
	mu     sync.Mutex
	resume chan struct{}
	paused bool
}

func NewGate() *Gate {
	return &Gate{resume: make(chan struct{})}
}

// Pause makes subsequent Wait calls block.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Resume releases all blocked waiters.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
		g.resume = make(chan struct{})
	}
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. Returns the context error when
// ctx ends first.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		ch := g.resume
		g.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
