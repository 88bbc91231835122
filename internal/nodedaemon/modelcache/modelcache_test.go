package modelcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshinfer/meshinfer/internal/domain"
	"github.com/meshinfer/meshinfer/internal/platform/logger"
)

// fakeFetcher serves fixed-size artifacts and counts fetches, so tests can
// assert on coalescing and re-fetch behavior.
type fakeFetcher struct {
	sizes   map[string]int
	fetches atomic.Int64
	gate    chan struct{} // when non-nil, Fetch blocks until closed
}

func (f *fakeFetcher) Fetch(ctx context.Context, modelID string) ([]byte, error) {
	f.fetches.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	size, ok := f.sizes[modelID]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", modelID)
	}
	return make([]byte, size), nil
}

func newTestCache(t *testing.T, fetch Fetcher, budget int64) *Cache {
	t.Helper()
	log, err := logger.New("development")
	require.NoError(t, err)
	return New(log, fetch, budget)
}

func totalBytes(c *Cache) int64 {
	var total int64
	for _, e := range c.Snapshot() {
		total += e.SizeBytes
	}
	return total
}

func TestAcquireHitAvoidsSecondFetch(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{"m1": 10}}
	c := newTestCache(t, fetch, 100)

	_, derr := c.Acquire(context.Background(), "m1")
	require.Nil(t, derr)
	_, derr = c.Acquire(context.Background(), "m1")
	require.Nil(t, derr)

	require.Equal(t, int64(1), fetch.fetches.Load())
}

func TestConcurrentAcquiresShareOneFetch(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{"m1": 10}, gate: make(chan struct{})}
	c := newTestCache(t, fetch, 100)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]*domain.Error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), "m1")
		}(i)
	}
	time.Sleep(20 * time.Millisecond) // let every caller reach the singleflight
	close(fetch.gate)
	wg.Wait()

	for _, derr := range errs {
		require.Nil(t, derr)
	}
	require.Equal(t, int64(1), fetch.fetches.Load())
}

func TestEvictionKeepsTotalWithinBudget(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{"a": 60, "b": 60}}
	c := newTestCache(t, fetch, 100)

	_, derr := c.Acquire(context.Background(), "a")
	require.Nil(t, derr)
	c.Release("a")

	_, derr = c.Acquire(context.Background(), "b")
	require.Nil(t, derr)

	require.LessOrEqual(t, totalBytes(c), int64(100))
	entries := c.Snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].ModelID)

	// a was evicted, so reacquiring it fetches again.
	c.Release("b")
	_, derr = c.Acquire(context.Background(), "a")
	require.Nil(t, derr)
	require.Equal(t, int64(3), fetch.fetches.Load())
}

func TestCacheFullWhenEverythingPinned(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{"a": 60, "b": 60}}
	c := newTestCache(t, fetch, 100)

	_, derr := c.Acquire(context.Background(), "a")
	require.Nil(t, derr) // held: refcount 1, not evictable

	_, derr = c.Acquire(context.Background(), "b")
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrCacheFull, derr.Kind)
	require.LessOrEqual(t, totalBytes(c), int64(100))
}

func TestFetchFailureSurfacesModelFetchFailed(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{}}
	c := newTestCache(t, fetch, 100)

	_, derr := c.Acquire(context.Background(), "ghost")
	require.NotNil(t, derr)
	require.Equal(t, domain.ErrModelFetchFailed, derr.Kind)
}

func TestReleaseUnknownModelIsNoop(t *testing.T) {
	fetch := &fakeFetcher{sizes: map[string]int{}}
	c := newTestCache(t, fetch, 100)
	c.Release("never-acquired")
	require.Empty(t, c.Snapshot())
}
