package orchestrator

import (
	"context"
)

// Governor bounds the number of jobs inside the active transcription
// section. Admission beyond the bound blocks until a slot frees or the
// caller's context is cancelled.
type Governor struct {
	slots chan struct{}
}

// NewGovernor creates a governor with the given concurrency bound.
func NewGovernor(maxConcurrent int) *Governor {
	return &Governor{
		slots: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until a slot is available or ctx is cancelled.
func (g *Governor) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot acquired by Acquire.
func (g *Governor) Release() {
	<-g.slots
}

// InUse returns the number of occupied slots.
func (g *Governor) InUse() int {
	return len(g.slots)
}
