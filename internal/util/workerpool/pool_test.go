package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerPool_SingleWorkerRunsInOrder(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 10, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	var mu sync.Mutex
	var order []int
	var handles []*Handle
	for i := 0; i < 5; i++ {
		i := i
		h, err := pool.Submit(Task{ID: "t", Fn: func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		}})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, uint64(5), pool.Stats().CompletedTasks)
}

func TestWorkerPool_ErrorAndPanicReachHandle(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, Logger: zap.NewNop()})
	defer pool.Stop(time.Second)

	boom := errors.New("boom")
	h, err := pool.Submit(Task{ID: "fail", Fn: func(ctx context.Context) error { return boom }})
	require.NoError(t, err)
	assert.ErrorIs(t, h.Wait(context.Background()), boom)

	h, err = pool.Submit(Task{ID: "panic", Fn: func(ctx context.Context) error { panic("bad") }})
	require.NoError(t, err)
	assert.ErrorContains(t, h.Wait(context.Background()), "task panicked")
	assert.Equal(t, uint64(2), pool.Stats().FailedTasks)
}

func TestWorkerPool_StopDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(&Config{Name: "flush", MaxWorkers: 1, QueueSize: 4, Logger: zap.NewNop()})

	release := make(chan struct{})
	first, err := pool.Submit(Task{ID: "slow", Fn: func(ctx context.Context) error {
		<-release
		return nil
	}})
	require.NoError(t, err)
	second, err := pool.Submit(Task{ID: "queued", Fn: func(ctx context.Context) error { return nil }})
	require.NoError(t, err)

	close(release)
	require.NoError(t, pool.Stop(time.Second))

	require.NoError(t, first.Wait(context.Background()))
	require.NoError(t, second.Wait(context.Background()))

	_, err = pool.Submit(Task{ID: "late", Fn: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}
