package websocket

import (
	"context"
	"sync"
)

// Gate is a resettable broadcast signal. Set wakes every waiter and stays
// set until Clear.
type Gate struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewGate returns an unset gate
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Set releases current and future waiters; setting twice is a no-op
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		close(g.ch)
		g.set = true
	}
}

// Clear re-arms a set gate. Waiters on an unset gate stay attached.
func (g *Gate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		g.ch = make(chan struct{})
		g.set = false
	}
}

// IsSet reports whether the gate is currently set
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Done returns a channel closed when the gate is set
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate is set or ctx is done
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EventGates are the three handshake milestones
type EventGates struct {
	AppAuth     *Gate
	AccountAuth *Gate
	SymbolsList *Gate
}

// NewEventGates returns three unset gates
func NewEventGates() *EventGates {
	return &EventGates{
		AppAuth:     NewGate(),
		AccountAuth: NewGate(),
		SymbolsList: NewGate(),
	}
}

// ClearAll re-arms every gate for a new connection
func (g *EventGates) ClearAll() {
	g.AppAuth.Clear()
	g.AccountAuth.Clear()
	g.SymbolsList.Clear()
}

// SetAll releases every waiter. Used on protocol error responses so the
// handshake cannot hang on a gate the server will never satisfy.
func (g *EventGates) SetAll() {
	g.AppAuth.Set()
	g.AccountAuth.Set()
	g.SymbolsList.Set()
}
