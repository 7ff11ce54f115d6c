package minitls

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs the CPU-bound steps of a handshake: key generation, ECDH,
// signatures, certificate verification and key derivation. fn must not touch
// handshake state after Execute has returned.
type Executor interface {
	Execute(ctx context.Context, fn func() error) error
}

// InlineExecutor runs fn on the calling goroutine.
type InlineExecutor struct{}

func (InlineExecutor) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// BoundedExecutor runs fn on its own goroutine with at most n running at
// once across every connection sharing the executor.
type BoundedExecutor struct {
	sem *semaphore.Weighted
}

func NewBoundedExecutor(n int64) *BoundedExecutor {
	if n < 1 {
		n = 1
	}
	return &BoundedExecutor{sem: semaphore.NewWeighted(n)}
}

func (e *BoundedExecutor) Execute(ctx context.Context, fn func() error) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer e.sem.Release(1)
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
