package duplex

import (
	"context"
	"sync"
)

// Future is a one-shot settlement primitive. It is created pending and
// transitions to settled exactly once, by either Resolve or Reject. The
// second settlement attempt from either side returns ErrSettled.
//
// Futures returned for calls settle with the raw JSON result
// (json.RawMessage); futures returned by Once settle with a nil value.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   interface{}
	err     error
}

// NewFuture returns a pending Future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a value.
func (f *Future) Resolve(value interface{}) error {
	return f.settle(value, nil)
}

// Reject settles the future with a failure reason.
func (f *Future) Reject(reason error) error {
	return f.settle(nil, reason)
}

func (f *Future) settle(value interface{}, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return ErrSettled
	}
	f.settled = true
	f.value = value
	f.err = err
	close(f.done)
	return nil
}

// IsPending reports whether the future has not yet settled.
func (f *Future) IsPending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.settled
}

// Done returns a channel that is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Value returns the settlement value. Only valid after Done is closed.
func (f *Future) Value() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Err returns the settlement failure, or nil. Only valid after Done is
// closed.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the future settles or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.Value(), f.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
