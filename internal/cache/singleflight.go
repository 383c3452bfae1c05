package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrRetry is returned to singleflight waiters whose leader was cancelled or
// dropped before producing a result. It is distinct from a compute error:
// callers are expected to re-enter Do (becoming the new leader, or joining
// whichever caller gets there first) rather than treat it as a failed query.
var ErrRetry = errors.New("cache: singleflight leader dropped, retry")

// call is the singleflight token for one fingerprint. It exists only while
// an outbound compute for that fingerprint is in flight.
type call struct {
	done     chan struct{}
	finish   sync.Once
	entry    Entry
	err      error
	retry    bool
}

func (c *call) finishWith(entry Entry, err error, retry bool) {
	c.finish.Do(func() {
		c.entry, c.err, c.retry = entry, err, retry
		close(c.done)
	})
}

// Group coalesces concurrent Do calls for the same key into a single
// compute invocation, satisfying the response cache's singleflight
// invariant: at most one compute runs per key at any instant, and a
// cancelled/dropped leader wakes waiters with ErrRetry rather than letting
// them hang on a token that will never resolve.
type Group struct {
	mu       sync.Mutex
	inflight map[string]*call
}

// NewGroup creates an empty singleflight group.
func NewGroup() *Group {
	return &Group{inflight: make(map[string]*call)}
}

// Do executes compute for key if no computation is already in flight;
// otherwise it waits for the in-flight computation's result. ctx governs
// only this caller's wait; for the elected leader it also bounds the
// compute call itself, since the leader's cancellation is what must
// release the token.
func (g *Group) Do(ctx context.Context, key string, compute func(context.Context) (Entry, error)) (Entry, error) {
	g.mu.Lock()
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		return waitFor(ctx, c)
	}

	c := &call{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		if g.inflight[key] == c {
			delete(g.inflight, key)
		}
		g.mu.Unlock()
	}

	computeDone := make(chan struct{})
	go func() {
		entry, err := compute(ctx)
		release()
		c.finishWith(entry, err, false)
		close(computeDone)
	}()

	select {
	case <-computeDone:
		return c.entry, c.err
	case <-ctx.Done():
		release()
		c.finishWith(Entry{}, ctx.Err(), true)
		return Entry{}, ErrRetry
	}
}

func waitFor(ctx context.Context, c *call) (Entry, error) {
	select {
	case <-c.done:
		if c.retry {
			return Entry{}, ErrRetry
		}
		return c.entry, c.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}
