package server

import (
	"context"
	"sync"
)

// SessionRunner decides where and how many sessions execute.
type SessionRunner interface {
	// Go runs fn on its own goroutine. It may block until capacity frees and
	// returns ctx's error if ctx ends first, in which case fn never runs.
	Go(ctx context.Context, fn func()) error
	// Wait blocks until every started fn has returned.
	Wait()
}

// NewRunner returns a PoolRunner when limit is positive, else a
// GoroutineRunner.
func NewRunner(limit int) SessionRunner {
	if limit > 0 {
		return NewPoolRunner(limit)
	}
	return &GoroutineRunner{}
}

// GoroutineRunner starts one goroutine per session with no bound.
type GoroutineRunner struct {
	wg sync.WaitGroup
}

func (r *GoroutineRunner) Go(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return nil
}

func (r *GoroutineRunner) Wait() { r.wg.Wait() }

// PoolRunner admits at most Limit sessions at once. Extra connections wait
// in accept order for a free slot.
type PoolRunner struct {
	slots chan struct{}
	wg    sync.WaitGroup
}

func NewPoolRunner(limit int) *PoolRunner {
	if limit < 1 {
		limit = 1
	}
	return &PoolRunner{slots: make(chan struct{}, limit)}
}

func (r *PoolRunner) Limit() int { return cap(r.slots) }

func (r *PoolRunner) Go(ctx context.Context, fn func()) error {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.slots
			r.wg.Done()
		}()
		fn()
	}()
	return nil
}

func (r *PoolRunner) Wait() { r.wg.Wait() }
