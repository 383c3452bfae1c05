package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_Do_CoalescesConcurrentCallers(t *testing.T) {
	g := NewGroup()
	var computeCount int32
	start := make(chan struct{})

	compute := func(ctx context.Context) (Entry, error) {
		<-start
		atomic.AddInt32(&computeCount, 1)
		return Entry{ResponseBytes: []byte("shared")}, nil
	}

	results := make(chan Entry, 5)
	for i := 0; i < 5; i++ {
		go func() {
			entry, err := g.Do(context.Background(), "key", compute)
			require.NoError(t, err)
			results <- entry
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(start)

	for i := 0; i < 5; i++ {
		entry := <-results
		assert.Equal(t, []byte("shared"), entry.ResponseBytes)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&computeCount), "compute must run exactly once for coalesced callers")
}

func TestGroup_Do_PropagatesComputeError(t *testing.T) {
	g := NewGroup()
	wantErr := errors.New("boom")

	_, err := g.Do(context.Background(), "key", func(ctx context.Context) (Entry, error) {
		return Entry{}, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestGroup_Do_LeaderCancellationReturnsErrRetry(t *testing.T) {
	g := NewGroup()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	compute := func(ctx context.Context) (Entry, error) {
		<-ctx.Done()
		close(done)
		return Entry{}, ctx.Err()
	}

	cancel()
	_, err := g.Do(ctx, "key", compute)
	assert.ErrorIs(t, err, ErrRetry)
	<-done
}

func TestGroup_Do_DifferentKeysRunIndependently(t *testing.T) {
	g := NewGroup()
	var computeCount int32

	compute := func(ctx context.Context) (Entry, error) {
		atomic.AddInt32(&computeCount, 1)
		return Entry{}, nil
	}

	_, err1 := g.Do(context.Background(), "key1", compute)
	_, err2 := g.Do(context.Background(), "key2", compute)
	require.NoError(t, err1)
	require.NoError(t, err2)

	assert.Equal(t, int32(2), atomic.LoadInt32(&computeCount))
}
