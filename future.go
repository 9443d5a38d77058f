package comlink

import (
	"context"
	"sync"

	"github.com/smnsjas/go-comlink/objects"
)

// Awaitable is a deferred value. Exposed functions may return one; the
// response is sent once it settles.
type Awaitable interface {
	Await(ctx context.Context) (any, error)
}

// Future is the deferred result of a request. It settles exactly once.
// No timeout is imposed; bound waiting with the context passed to Await.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future already settled with v.
func Resolved(v any) *Future {
	f := newFuture()
	f.resolve(v)
	return f
}

// Rejected returns a Future already settled with err.
func Rejected(err error) *Future {
	f := newFuture()
	f.reject(err)
	return f
}

func (f *Future) resolve(v any) bool {
	return f.settle(v, nil)
}

func (f *Future) reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(v any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result. It returns ctx.Err() if ctx ends first; the
// future itself stays pending.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AwaitInto waits for the result and decodes it into dst, which must be a
// non-nil pointer.
func (f *Future) AwaitInto(ctx context.Context, dst any) error {
	v, err := f.Await(ctx)
	if err != nil {
		return err
	}
	return objects.Decode(v, dst)
}

// Then returns a future settled with fn applied to the result of f.
// A rejection of f skips fn and rejects the returned future.
func (f *Future) Then(fn func(any) (any, error)) *Future {
	next := newFuture()
	go func() {
		<-f.done
		if f.err != nil {
			next.reject(f.err)
			return
		}
		next.settle(fn(f.value))
	}()
	return next
}

// Await waits for f and converts its result to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var out T
	if err := f.AwaitInto(ctx, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
