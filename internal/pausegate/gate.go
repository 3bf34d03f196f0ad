// Package pausegate implements the binary gate the settlement engine
// consults before every mutating operation. Pausing the ledger is the
// coarse mutual-exclusion mechanism that keeps other operations away from
// grants whose orders are mid-flight in an external transfer batch.
package pausegate

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPaused is returned when an operation requires the ledger unpaused.
	ErrPaused = errors.New("ledger is paused")
	// ErrNotPaused is returned when an operation requires the ledger paused.
	ErrNotPaused = errors.New("ledger is not paused")
)

// Gate is the pause flag. Implementations must make Pause/Unpause visible to
// every holder of the same gate.
type Gate interface {
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Paused(ctx context.Context) (bool, error)
}

// RequireUnpaused fails with ErrPaused when the gate is engaged.
func RequireUnpaused(ctx context.Context, g Gate) error {
	paused, err := g.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		return ErrPaused
	}
	return nil
}

// RequirePaused fails with ErrNotPaused when the gate is open.
func RequirePaused(ctx context.Context, g Gate) error {
	paused, err := g.Paused(ctx)
	if err != nil {
		return err
	}
	if !paused {
		return ErrNotPaused
	}
	return nil
}

// MemoryGate is the in-process Gate used when a single engine instance owns
// the ledger.
type MemoryGate struct {
	mu     sync.RWMutex
	paused bool
}

// NewMemoryGate returns an unpaused in-memory gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{}
}

func (g *MemoryGate) Pause(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	return nil
}

func (g *MemoryGate) Unpause(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
	return nil
}

func (g *MemoryGate) Paused(context.Context) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused, nil
}
