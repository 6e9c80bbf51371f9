// Package gate bounds the number of concurrent outbound scraping calls
// across every task in the process.
package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire once the gate has been closed.
var ErrClosed = errors.New("gate: closed")

// Gate is a process-wide admission gate of fixed capacity.
// Waiters are admitted in FIFO order; there are no priority lanes.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64

	closing context.Context
	close   context.CancelFunc
}

// New creates a gate admitting at most capacity concurrent holders.
func New(capacity int) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		closing:  closing,
		close:    cancel,
	}
}

// Acquire suspends until a slot is free and returns its release handle.
// The handle is safe to call more than once; only the first call frees the slot.
// Pending acquires fail with ErrClosed when the gate is closed, or with
// ctx.Err() when ctx is done first.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if g.closing.Err() != nil {
		return nil, ErrClosed
	}

	acqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.closing, cancel)
	err = g.sem.Acquire(acqCtx, 1)
	stop()
	cancel()
	if err != nil {
		if g.closing.Err() != nil {
			return nil, ErrClosed
		}
		return nil, err
	}

	g.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inUse.Add(-1)
			g.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a slot. The slot is released on every exit path,
// including a panic inside fn.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	release, err := g.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Close fails all pending and future acquires. Holders keep their slots
// until they release them.
func (g *Gate) Close() {
	g.close()
}

// Closed reports whether Close has been called.
func (g *Gate) Closed() bool {
	return g.closing.Err() != nil
}

// InUse returns the number of slots currently held.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Capacity returns the fixed number of slots.
func (g *Gate) Capacity() int {
	return int(g.capacity)
}
