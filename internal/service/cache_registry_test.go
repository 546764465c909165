package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/store"
	"github.com/devrev/indexstore/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRegistry_ModelIsShared(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, &CacheRegistryConfig{Historical: true})

	a, err := r.Model(ctx, "token")
	require.NoError(t, err)
	b, err := r.Model(ctx, "token")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "token", a.Name())
	assert.True(t, a.Historical())
}

func TestCacheRegistry_FlushIfNeededEveryInterval(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true, FlushInterval: 3})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)

	for h := uint64(1); h <= 2; h++ {
		r.SetBlockHeight(h)
		require.NoError(t, c.Set("a", withField("a", int64(h)), h))
		require.NoError(t, r.FlushIfNeeded(ctx, h))
	}
	require.NoError(t, r.WaitIdle(ctx))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, r.Stats()["token"].BufferedIDs)

	r.SetBlockHeight(3)
	require.NoError(t, c.Set("a", withField("a", 3), 3))
	require.NoError(t, r.FlushIfNeeded(ctx, 3))
	require.NoError(t, r.WaitIdle(ctx))

	rows, err = backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "[3,)", rows[2].Range.String())
	assert.Equal(t, 0, r.Stats()["token"].BufferedIDs)
}

func TestCacheRegistry_FlushIsAtomicAcrossEntities(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true})
	tokens, err := r.Model(ctx, "token")
	require.NoError(t, err)
	accounts, err := r.Model(ctx, "account")
	require.NoError(t, err)

	r.SetBlockHeight(1)
	require.NoError(t, tokens.Set("t1", withField("t1", 1), 1))
	require.NoError(t, accounts.Set("a1", withField("a1", 2), 1))

	backing.FailNextCommit(errors.New("serialization failure"))
	require.Error(t, r.FlushAll(ctx, 1))

	for _, tc := range []struct {
		table string
		id    string
		cache *EntityCache
	}{
		{"token", "t1", tokens},
		{"account", "a1", accounts},
	} {
		rows, err := backing.History(ctx, tc.table, tc.id)
		require.NoError(t, err)
		assert.Empty(t, rows)

		got, err := tc.cache.Get(ctx, tc.id)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}

	require.NoError(t, r.FlushAll(ctx, 1))
	for _, table := range []string{"token", "account"} {
		id := "t1"
		if table == "account" {
			id = "a1"
		}
		rows, err := backing.History(ctx, table, id)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	}
}

func TestCacheRegistry_RetriesTransactionFailure(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{
		Historical:   true,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	backing.FailNextCommit(errors.New("deadlock detected"))
	require.NoError(t, r.FlushAll(ctx, 1))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// rejectingFlushable fails every flush with a non-retryable error
type rejectingFlushable struct{}

func (rejectingFlushable) Name() string { return "rejecting" }

func (rejectingFlushable) FlushTo(ctx context.Context, tx store.Tx, height uint64) error {
	return indexerrors.InvalidArgument("rejected", nil)
}

func TestCacheRegistry_AsyncFailureIsReported(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true, FlushInterval: 100})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)
	r.Register(rejectingFlushable{})

	r.SetBlockHeight(5)
	require.NoError(t, c.Set("a", withField("a", 1), 5))

	h, err := r.FlushAsync(ctx)
	require.NoError(t, err)
	err = h.Wait(ctx)
	assert.Equal(t, indexerrors.ErrCodeInvalidArgument, indexerrors.GetCode(err))

	err = r.FlushIfNeeded(ctx, 5)
	assert.Equal(t, indexerrors.ErrCodeInvalidArgument, indexerrors.GetCode(err))

	// the failed flush rolled back, so nothing reached the store
	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fieldOf(t, got))
}

func TestCacheRegistry_AsyncFlushTakesLatestBufferedHeight(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true, FlushInterval: 100})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)

	r.SetBlockHeight(4)
	require.NoError(t, c.Set("a", withField("a", 1), 4))
	// the next block has started by the time the background flush runs
	r.SetBlockHeight(5)
	require.NoError(t, c.Set("a", withField("a", 2), 5))

	h, err := r.FlushAsync(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Wait(ctx))
	require.NoError(t, r.FlushIfNeeded(ctx, 5))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[4,5)", rows[0].Range.String())
	assert.Equal(t, "[5,)", rows[1].Range.String())
}

func TestCacheRegistry_ReadsDuringBackgroundFlushes(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, &CacheRegistryConfig{Historical: true, FlushInterval: 100})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	const blocks = 60
	stop := make(chan struct{})
	readErrs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(byFields bool) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// "a" exists at every height, so a read must always find it
				if byFields {
					found, err := c.GetByFields(ctx, []model.Filter{
						{Field: model.IDField, Op: model.OpEqual, Value: model.String("a")},
					}, model.QueryOptions{})
					if err != nil {
						readErrs <- err
						return
					}
					if len(found) != 1 {
						readErrs <- fmt.Errorf("getByFields returned %d entities", len(found))
						return
					}
					continue
				}
				got, err := c.Get(ctx, "a")
				if err != nil {
					readErrs <- err
					return
				}
				if got == nil {
					readErrs <- errors.New("get returned nothing during a flush")
					return
				}
			}
		}(i%2 == 0)
	}

	var handles []*workerpool.Handle
	for h := uint64(2); h <= blocks; h++ {
		r.SetBlockHeight(h)
		require.NoError(t, c.Set("a", withField("a", int64(h)), h))
		handle, err := r.FlushAsync(ctx)
		require.NoError(t, err)
		handles = append(handles, handle)
	}
	for _, handle := range handles {
		require.NoError(t, handle.Wait(ctx))
	}
	close(stop)
	wg.Wait()
	close(readErrs)

	for err := range readErrs {
		assert.NoError(t, err)
	}
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(blocks), fieldOf(t, got))
}

func TestCacheRegistry_CloseFlushesRemaining(t *testing.T) {
	ctx := context.Background()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true, FlushInterval: 100})
	c, err := r.Model(ctx, "token")
	require.NoError(t, err)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, r.Close(ctx))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
