package contract

import (
	"context"
	"fmt"
	"sync"
)

// Gate implements restricted mode: while restricted, Enter waits.
// Restrictions nest.
type Gate struct {
	mu         sync.Mutex
	restricted int
	open       chan struct{} // open is closed whenever restricted is zero
}

// NewGate creates an unrestricted gate.
func NewGate() *Gate {
	open := make(chan struct{})
	close(open)

	return &Gate{open: open}
}

// Restrict blocks new entries.
func (g *Gate) Restrict() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.restricted == 0 {
		g.open = make(chan struct{})
	}

	g.restricted++
}

// Unrestrict lifts one restriction.
func (g *Gate) Unrestrict() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.restricted == 0 {
		return
	}

	g.restricted--
	if g.restricted == 0 {
		close(g.open)
	}
}

// Enter waits until the gate is unrestricted.
func (g *Gate) Enter(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()

	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrRestricted, ctx.Err())
	}
}
