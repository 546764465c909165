package service

import (
	"context"
	"errors"
	"testing"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, cfg *CacheRegistryConfig) (*CacheRegistry, *store.MemoryStore) {
	t.Helper()
	backing := store.NewMemoryStore(zap.NewNop())
	m := metrics.NewMetrics(prometheus.NewRegistry(), "test")
	r := NewCacheRegistry(cfg, backing, m, zap.NewNop())
	return r, backing
}

func newTestCache(t *testing.T, historical bool) (*EntityCache, *CacheRegistry, *store.MemoryStore) {
	t.Helper()
	r, backing := newTestRegistry(t, &CacheRegistryConfig{Historical: historical})
	c, err := r.Model(context.Background(), "token")
	require.NoError(t, err)
	return c, r, backing
}

func newEntity(id string, fields map[string]model.Value) *model.Entity {
	return model.NewEntity(id, fields)
}

func withField(id string, v int64) *model.Entity {
	return newEntity(id, map[string]model.Value{"field": model.Int(v)})
}

func withColor(id, color string) *model.Entity {
	return newEntity(id, map[string]model.Value{"color": model.String(color)})
}

func fieldOf(t *testing.T, e *model.Entity) int64 {
	t.Helper()
	require.NotNil(t, e)
	v, ok := e.Get("field")
	require.True(t, ok)
	return v.Int64()
}

func ids(entities []*model.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestEntityCache_SetThenGet(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fieldOf(t, got))
	assert.Equal(t, "a", got.ID)

	missing, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEntityCache_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	got.Fields["field"] = model.Int(99)

	again, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fieldOf(t, again))
}

func TestEntityCache_SetNilIsInvalidValue(t *testing.T) {
	c, _, _ := newTestCache(t, true)

	err := c.Set("a", nil, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, indexerrors.ErrInvalidValue))
	assert.Equal(t, indexerrors.ErrCodeInvalidValue, indexerrors.GetCode(err))
}

func TestEntityCache_SameBlockWritesCollapse(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, c.Set("a", withField("a", 2), 1))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fieldOf(t, got))

	require.NoError(t, r.FlushAll(ctx, 1))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, uint64(1), rows[0].Range.Start)
	assert.True(t, rows[0].Range.IsOpen())
	assert.Equal(t, int64(2), rows[0].Fields["field"].Int64())
}

func TestEntityCache_CreateRemoveSameBlockLeavesNothing(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, c.Remove("a", 1))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.FlushAll(ctx, 1))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEntityCache_VersionsAcrossBlocks(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("e1", withField("e1", 1), 1))
	r.SetBlockHeight(2)
	require.NoError(t, c.Set("e1", withField("e1", 2), 2))

	require.NoError(t, r.FlushAll(ctx, 2))

	rows, err := backing.History(ctx, "token", "e1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[1,2)", rows[0].Range.String())
	assert.Equal(t, int64(1), rows[0].Fields["field"].Int64())
	assert.Equal(t, "[2,)", rows[1].Range.String())
	assert.Equal(t, int64(2), rows[1].Fields["field"].Int64())

	past, err := backing.FindOne(ctx, "token", "e1", model.Height(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), past.Fields["field"].Int64())

	got, err := c.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fieldOf(t, got))
}

func TestEntityCache_FlushClosesStoredVersion(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("e1", withField("e1", 1), 1))
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Set("e1", withField("e1", 2), 2))
	require.NoError(t, r.FlushAll(ctx, 2))

	rows, err := backing.History(ctx, "token", "e1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[1,2)", rows[0].Range.String())
	assert.Equal(t, "[2,)", rows[1].Range.String())
}

func TestEntityCache_RemoveClosesVersion(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(3)
	require.NoError(t, c.Remove("a", 3))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.FlushAll(ctx, 3))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "[1,3)", rows[0].Range.String())

	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	past, err := backing.FindOne(ctx, "token", "a", model.Height(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), past.Fields["field"].Int64())
}

func TestEntityCache_RemoveThenSetSameBlock(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Remove("a", 2))
	require.NoError(t, c.Set("a", withField("a", 2), 2))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fieldOf(t, got))

	require.NoError(t, r.FlushAll(ctx, 2))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[1,2)", rows[0].Range.String())
	assert.Equal(t, "[2,)", rows[1].Range.String())
	assert.Equal(t, int64(2), rows[1].Fields["field"].Int64())
}

func TestEntityCache_RemoveThenSetOfStoredEntity(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Remove("a", 2))
	require.NoError(t, c.Set("a", withField("a", 2), 2))
	require.NoError(t, r.FlushAll(ctx, 2))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[1,2)", rows[0].Range.String())
	assert.Equal(t, "[2,)", rows[1].Range.String())
}

func TestEntityCache_NonHistorical(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, false)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Set("a", withField("a", 2), 2))
	require.NoError(t, r.FlushAll(ctx, 2))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Range)
	assert.Equal(t, int64(2), rows[0].Fields["field"].Int64())

	r.SetBlockHeight(3)
	require.NoError(t, c.Remove("a", 3))
	require.NoError(t, r.FlushAll(ctx, 3))

	rows, err = backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEntityCache_FailedFlushKeepsState(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	backing.FailNextCommit(errors.New("connection reset"))
	err := r.FlushAll(ctx, 1)
	require.Error(t, err)
	assert.Equal(t, indexerrors.ErrCodeTransactionFailed, indexerrors.GetCode(err))

	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Empty(t, rows)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fieldOf(t, got))
	assert.False(t, c.Stats().Flushing)
	assert.Equal(t, 1, c.Stats().BufferedIDs)

	require.NoError(t, r.FlushAll(ctx, 1))
	rows, err = backing.History(ctx, "token", "a")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEntityCache_RollbackRestoresUnderNewerWrites(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withField("a", 1), 1))

	tx, err := backing.Begin(ctx)
	require.NoError(t, err)
	rows, err := c.Flush(ctx, tx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.True(t, c.Stats().Flushing)

	// frozen state stays readable while the flush is in flight
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fieldOf(t, got))

	other, err := backing.Begin(ctx)
	require.NoError(t, err)
	_, err = c.Flush(ctx, other, 1)
	assert.Equal(t, indexerrors.ErrCodeFlushInProgress, indexerrors.GetCode(err))
	require.NoError(t, other.Rollback(ctx))

	r.SetBlockHeight(2)
	require.NoError(t, c.Set("a", withField("a", 2), 2))
	require.NoError(t, c.Set("b", withField("b", 7), 2))

	require.NoError(t, tx.Rollback(ctx))
	assert.False(t, c.Stats().Flushing)
	assert.Equal(t, 2, c.Stats().BufferedIDs)

	got, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fieldOf(t, got))

	require.NoError(t, r.FlushAll(ctx, 2))

	history, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "[1,2)", history[0].Range.String())
	assert.Equal(t, int64(1), history[0].Fields["field"].Int64())
	assert.Equal(t, "[2,)", history[1].Range.String())
	assert.Equal(t, int64(2), history[1].Fields["field"].Int64())

	history, err = backing.History(ctx, "token", "b")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEntityCache_FlushBelowBufferedHeight(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(5)
	require.NoError(t, c.Set("a", withField("a", 1), 5))

	tx, err := backing.Begin(ctx)
	require.NoError(t, err)
	_, err = c.Flush(ctx, tx, 4)
	require.Error(t, err)
	assert.Equal(t, indexerrors.ErrCodeInvalidArgument, indexerrors.GetCode(err))
	require.NoError(t, tx.Rollback(ctx))

	assert.False(t, c.Stats().Flushing)
	assert.Equal(t, 1, c.Stats().BufferedIDs)
}

func TestEntityCache_RejectsMutationBelowLatestHeight(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(5)
	require.NoError(t, c.Set("a", withField("a", 5), 5))

	err := c.Set("a", withField("a", 3), 3)
	assert.ErrorIs(t, err, indexerrors.ErrOutOfOrder)
	err = c.Remove("a", 4)
	assert.ErrorIs(t, err, indexerrors.ErrOutOfOrder)
	assert.Equal(t, indexerrors.ErrCodeOutOfOrder, indexerrors.GetCode(c.CheckHeight("a", 2)))

	// other ids and the same height are unaffected
	require.NoError(t, c.CheckHeight("a", 5))
	require.NoError(t, c.Set("b", withField("b", 3), 3))
	require.NoError(t, c.Set("a", withField("a", 6), 5))

	stats := c.Stats()
	assert.Equal(t, 2, stats.BufferedIDs)
	assert.Equal(t, 2, stats.Versions)

	require.NoError(t, r.FlushAll(ctx, 5))
	rows, err := backing.History(ctx, "token", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "[5,)", rows[0].Range.String())
	assert.Equal(t, int64(6), rows[0].Fields["field"].Int64())
}

func TestEntityCache_RejectsMutationBelowFlushingHeight(t *testing.T) {
	ctx := context.Background()
	c, r, backing := newTestCache(t, true)

	r.SetBlockHeight(5)
	require.NoError(t, c.Remove("a", 5))

	tx, err := backing.Begin(ctx)
	require.NoError(t, err)
	_, err = c.Flush(ctx, tx, 5)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Set("a", withField("a", 1), 4), indexerrors.ErrOutOfOrder)

	require.NoError(t, tx.Rollback(ctx))
	assert.ErrorIs(t, c.Set("a", withField("a", 1), 4), indexerrors.ErrOutOfOrder)
	require.NoError(t, c.Set("a", withField("a", 1), 6))
}

func TestEntityCache_GetByFieldsUnsupportedOperator(t *testing.T) {
	c, _, _ := newTestCache(t, true)

	_, err := c.GetByFields(context.Background(), []model.Filter{
		{Field: "color", Op: model.Operator("like"), Value: model.String("r%")},
	}, model.QueryOptions{})
	require.Error(t, err)
	assert.Equal(t, indexerrors.ErrCodeUnsupportedOperator, indexerrors.GetCode(err))
}

func TestEntityCache_GetByFieldsPrefersCache(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withColor("a", "red"), 1))
	require.NoError(t, c.Set("b", withColor("b", "red"), 1))
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Set("a", withColor("a", "blue"), 2))

	red := []model.Filter{{Field: "color", Op: model.OpEqual, Value: model.String("red")}}
	got, err := c.GetByFields(ctx, red, model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))

	blue := []model.Filter{{Field: "color", Op: model.OpEqual, Value: model.String("blue")}}
	got, err = c.GetByFields(ctx, blue, model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestEntityCache_GetByFieldsOffsetLimit(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newTestCache(t, true)

	r.SetBlockHeight(1)
	for _, id := range []string{"b", "c", "f"} {
		require.NoError(t, c.Set(id, withColor(id, "red"), 1))
	}
	require.NoError(t, r.FlushAll(ctx, 1))

	r.SetBlockHeight(2)
	require.NoError(t, c.Set("d", withColor("d", "red"), 2))
	require.NoError(t, c.Set("e", withColor("e", "red"), 2))
	require.NoError(t, c.Set("g", withColor("g", "green"), 2))

	red := []model.Filter{{Field: "color", Op: model.OpEqual, Value: model.String("red")}}

	got, err := c.GetByFields(ctx, red, model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e", "b", "c", "f"}, ids(got))

	got, err = c.GetByFields(ctx, red, model.QueryOptions{Offset: 1, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e", "b", "c"}, ids(got))

	got, err = c.GetByFields(ctx, red, model.QueryOptions{Offset: 3, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "f"}, ids(got))

	got, err = c.GetByFields(ctx, red, model.QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, ids(got))
}

func TestEntityCache_GetByFieldsIn(t *testing.T) {
	ctx := context.Background()
	c, r, _ := newTestCache(t, true)

	r.SetBlockHeight(1)
	require.NoError(t, c.Set("a", withColor("a", "red"), 1))
	require.NoError(t, c.Set("b", withColor("b", "green"), 1))
	require.NoError(t, c.Set("c", withColor("c", "blue"), 1))
	require.NoError(t, c.Remove("c", 1))

	got, err := c.GetByFields(ctx, []model.Filter{{
		Field:  "color",
		Op:     model.OpIn,
		Values: []model.Value{model.String("red"), model.String("blue")},
	}}, model.QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	got, err = c.GetByFields(ctx, []model.Filter{{
		Field: "id",
		Op:    model.OpNotEqual,
		Value: model.String("a"),
	}}, model.QueryOptions{OrderDirection: model.OrderDesc})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids(got))
}
