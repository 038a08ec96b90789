// Package playback renders inbound audio payloads through the system
// speaker, behind an explicit output gate.
package playback

import (
	"context"
	"sync"
)

// Gate is a two-state output lock. It starts locked; audio submitted
// while locked is deferred until it opens. Unlocking is one-way for the
// life of the gate.
//
// The gate exists so a host application can defer sound until the user
// has opted in, without the session layer knowing or caring.
type Gate struct {
	mu       sync.Mutex
	unlocked chan struct{}
}

// NewGate returns a locked gate.
func NewGate() *Gate {
	return &Gate{unlocked: make(chan struct{})}
}

// Ready reports whether the gate has been unlocked.
func (g *Gate) Ready() bool {
	select {
	case <-g.unlocked:
		return true
	default:
		return false
	}
}

// Unlock opens the gate. Idempotent.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.unlocked:
	default:
		close(g.unlocked)
	}
}

// WaitForUnlock blocks until the gate opens or ctx is done.
func (g *Gate) WaitForUnlock(ctx context.Context) error {
	select {
	case <-g.unlocked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
