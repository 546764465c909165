package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/poi"
	"github.com/devrev/indexstore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hash32(b byte) []byte {
	return bytes.Repeat([]byte{b}, poi.HashSize)
}

func newTestPoIService(t *testing.T) (*PoIService, *CacheRegistry, *store.MemoryStore) {
	t.Helper()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: true})
	svc := NewPoIService(&PoIServiceConfig{ProjectID: "test"}, backing, r,
		metrics.NewMetrics(prometheus.NewRegistry(), "test"), zap.NewNop())
	return svc, r, backing
}

func TestPoIService_GenesisBlock(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestPoIService(t)

	p, err := svc.CreateBlock(ctx, 1, hash32(0xaa), hash32(0xbb))
	require.NoError(t, err)

	expected, err := poi.DeriveHash(poi.BlockInput{
		Height:            model.Height(1),
		ChainBlockHash:    hash32(0xaa),
		OperationHashRoot: hash32(0xbb),
		ProjectID:         "test",
	})
	require.NoError(t, err)

	assert.Equal(t, expected, p.Hash)
	assert.Equal(t, poi.GenesisParentHash, p.ParentHash)
	assert.Equal(t, "test", p.ProjectID)
	assert.Nil(t, p.MMRRoot)
}

func TestPoIService_ChainsToParent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestPoIService(t)

	first, err := svc.CreateBlock(ctx, 1, hash32(1), hash32(2))
	require.NoError(t, err)
	second, err := svc.CreateBlock(ctx, 3, hash32(3), hash32(4))
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.ParentHash)

	expected, err := poi.DeriveHash(poi.BlockInput{
		Height:            model.Height(3),
		ChainBlockHash:    hash32(3),
		OperationHashRoot: hash32(4),
		ParentHash:        first.Hash,
		ProjectID:         "test",
	})
	require.NoError(t, err)
	assert.Equal(t, expected, second.Hash)
}

func TestPoIService_RejectsOutOfOrderHeight(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestPoIService(t)

	_, err := svc.CreateBlock(ctx, 5, hash32(1), hash32(2))
	require.NoError(t, err)

	for _, h := range []uint64{5, 4} {
		_, err = svc.CreateBlock(ctx, h, hash32(1), hash32(2))
		require.Error(t, err)
		assert.True(t, errors.Is(err, indexerrors.ErrOutOfOrder))
	}
}

func TestPoIService_CommitsWithFlush(t *testing.T) {
	ctx := context.Background()
	svc, r, backing := newTestPoIService(t)

	_, err := svc.CreateBlock(ctx, 1, hash32(1), hash32(2))
	require.NoError(t, err)
	_, err = svc.CreateBlock(ctx, 2, hash32(3), hash32(4))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, svc.Pending())

	buffered, err := svc.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), buffered.Height)

	_, err = backing.GetPoI(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, r.FlushAll(ctx, 2))
	assert.Empty(t, svc.Pending())

	stored, err := backing.GetPoI(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, buffered.Hash, stored.Hash)

	_, err = svc.Get(ctx, 7)
	assert.True(t, errors.Is(err, indexerrors.ErrNotFound))
}

func TestPoIService_RollbackKeepsPending(t *testing.T) {
	ctx := context.Background()
	svc, r, backing := newTestPoIService(t)

	_, err := svc.CreateBlock(ctx, 1, hash32(1), hash32(2))
	require.NoError(t, err)

	backing.FailNextCommit(errors.New("connection reset"))
	require.Error(t, r.FlushAll(ctx, 1))
	assert.Equal(t, []uint64{1}, svc.Pending())

	_, err = svc.CreateBlock(ctx, 2, hash32(3), hash32(4))
	require.NoError(t, err)
	require.NoError(t, r.FlushAll(ctx, 2))

	list, err := backing.ListPoIs(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, list[0].Hash, list[1].ParentHash)
}

func TestPoIService_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	svc, r, backing := newTestPoIService(t)

	last, err := svc.CreateBlock(ctx, 1, hash32(1), hash32(2))
	require.NoError(t, err)
	require.NoError(t, r.FlushAll(ctx, 1))

	reopened := NewPoIService(&PoIServiceConfig{ProjectID: "test"}, backing, r,
		metrics.NewMetrics(prometheus.NewRegistry(), "test"), zap.NewNop())

	latest, err := reopened.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, last.Hash, latest.Hash)

	next, err := reopened.CreateBlock(ctx, 2, hash32(3), hash32(4))
	require.NoError(t, err)
	assert.Equal(t, last.Hash, next.ParentHash)
}

func TestPoIService_PrepareDoesNotBuffer(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestPoIService(t)

	first, err := svc.PrepareBlock(ctx, 1, hash32(1), hash32(2))
	require.NoError(t, err)
	stale, err := svc.PrepareBlock(ctx, 2, hash32(3), hash32(4))
	require.NoError(t, err)
	assert.Empty(t, svc.Pending())

	_, err = svc.PrepareBlock(ctx, 1, nil, hash32(2))
	assert.ErrorIs(t, err, indexerrors.ErrMissingInput)

	recorded, err := svc.RecordBlock(first)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, recorded.Hash)
	assert.Equal(t, []uint64{1}, svc.Pending())

	// prepared against the genesis parent, so it no longer chains
	_, err = svc.RecordBlock(stale)
	assert.Equal(t, indexerrors.ErrCodeInvalidArgument, indexerrors.GetCode(err))

	_, err = svc.RecordBlock(first)
	assert.ErrorIs(t, err, indexerrors.ErrOutOfOrder)
	assert.Equal(t, []uint64{1}, svc.Pending())
}
