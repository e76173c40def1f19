// Package singleflight coalesces concurrent calls that share a key: the
// first caller runs the function, everyone else waits for its outcome.
//
// Unlike golang.org/x/sync/singleflight the group is generic and
// context-aware: waiters may abandon a call without stopping it, and the
// call itself is cancelled only when its last waiter gives up or the key is
// forgotten.
package singleflight

import (
	"context"
	"sync"
	"time"

	"github.com/gramfix/gramfix/internal/observability"
)

const forgetWait = time.Second

type call[R any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	val R
	err error

	waiters int
}

type Group[K comparable, R any] struct {
	name  string
	mu    sync.Mutex
	calls map[K]*call[R]
}

// New returns an empty group. The name labels metrics only.
func New[K comparable, R any](name string) *Group[K, R] {
	return &Group[K, R]{name: name, calls: make(map[K]*call[R])}
}

// Do returns the result of fn for key, sharing a single execution between
// concurrent callers. fn receives a context that is detached from ctx: the
// caller cancelling only abandons its wait, unless it is the last caller
// still waiting, in which case the execution is cancelled too.
func (g *Group[K, R]) Do(ctx context.Context, key K, fn func(context.Context) (R, error)) (R, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()
		observability.IncSingleflightWaiter(g.name)
		return g.wait(ctx, key, c)
	}

	// Values flow through, cancellation does not: the owner leaving must
	// not kill the computation while other waiters remain.
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[R]{ctx: cctx, cancel: cancel, done: make(chan struct{}), waiters: 1}
	g.calls[key] = c
	g.mu.Unlock()
	observability.IncSingleflightOwner(g.name)

	go func() {
		v, err := fn(c.ctx)

		// Deregister before announcing completion so a caller arriving
		// after the call ended always starts a fresh one. The identity
		// check protects a newer call for the same key from a stale
		// cleanup.
		g.mu.Lock()
		c.val, c.err = v, err
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
		c.cancel()
	}()

	return g.wait(ctx, key, c)
}

func (g *Group[K, R]) wait(ctx context.Context, key K, c *call[R]) (R, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		last := c.waiters == 0
		g.mu.Unlock()
		if last {
			c.cancel()
		}
		var zero R
		return zero, ctx.Err()
	}
}

// Forget removes the in-flight call for key, if any, cancelling it and
// waiting up to a second for it to wind down. Reports whether a call was
// removed.
func (g *Group[K, R]) Forget(key K) bool {
	g.mu.Lock()
	c, ok := g.calls[key]
	if ok {
		delete(g.calls, key)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}

	c.cancel()
	select {
	case <-c.done:
	case <-time.After(forgetWait):
	}
	return true
}

// Len reports the number of in-flight keys.
func (g *Group[K, R]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
