package service

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/model"
	"github.com/devrev/indexstore/internal/store"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// BlockHeight is the shared handle to the height currently being processed
type BlockHeight struct {
	v atomic.Uint64
}

func (b *BlockHeight) Get() uint64 { return b.v.Load() }

func (b *BlockHeight) Set(h uint64) { b.v.Store(h) }

// getCacheEntry memoizes a resolved lookup. A nil entity records absence.
type getCacheEntry struct {
	entity *model.Entity
}

// EntityCacheConfig holds entity cache configuration
type EntityCacheConfig struct {
	Historical   bool
	GetCacheSize int
}

// CacheStats describes the buffered state of one entity cache
type CacheStats struct {
	BufferedIDs int
	Versions    int
	Removals    int
	Flushing    bool
}

// EntityCache buffers mutations of one entity type across block heights and
// answers reads by merging buffered state with the backing store.
type EntityCache struct {
	entity  string
	config  *EntityCacheConfig
	store   store.BackingStore
	height  *BlockHeight
	memo    *lru.Cache[string, getCacheEntry]
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.RWMutex
	active   *cacheLayer
	flushing *cacheLayer
}

// NewEntityCache creates a cache for one entity type. The table must already
// exist in the backing store.
func NewEntityCache(
	entity string,
	cfg *EntityCacheConfig,
	backing store.BackingStore,
	height *BlockHeight,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*EntityCache, error) {
	size := cfg.GetCacheSize
	if size <= 0 {
		size = 10000
	}
	memo, err := lru.New[string, getCacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &EntityCache{
		entity:  entity,
		config:  cfg,
		store:   backing,
		height:  height,
		memo:    memo,
		metrics: m,
		logger:  logger.With(zap.String("entity", entity)),
		active:  newCacheLayer(),
	}, nil
}

// Entity returns the entity type name
func (c *EntityCache) Entity() string { return c.entity }

// Historical reports whether versions are persisted with block ranges
func (c *EntityCache) Historical() bool { return c.config.Historical }

// Get returns the entity visible at the current block height, or nil
func (c *EntityCache) Get(ctx context.Context, id string) (*model.Entity, error) {
	if entry, ok := c.memo.Get(id); ok {
		c.metrics.CacheLookupsTotal.WithLabelValues(c.entity, "memo").Inc()
		return entry.entity.Clone(), nil
	}

	// The read lock is held across the store lookup so a concurrent commit
	// hook cannot drop buffered state between the layer check and the read.
	c.mu.RLock()
	defer c.mu.RUnlock()

	height := c.height.Get()
	entity, source, err := c.lookup(ctx, id, height)
	if err != nil {
		return nil, err
	}
	c.metrics.CacheLookupsTotal.WithLabelValues(c.entity, source).Inc()

	c.memo.Add(id, getCacheEntry{entity: entity.Clone()})
	return entity.Clone(), nil
}

// lookup must be called with c.mu held
func (c *EntityCache) lookup(ctx context.Context, id string, height uint64) (*model.Entity, string, error) {
	if entity, ok := c.active.resolve(id, height); ok {
		return entity, "active", nil
	}
	if c.flushing != nil {
		if entity, ok := c.flushing.resolve(id, height); ok {
			return entity, "flushing", nil
		}
	}

	var at *uint64
	if c.config.Historical {
		at = model.Height(height)
	}
	row, err := c.store.FindOne(ctx, c.entity, id, at)
	if stderrors.Is(err, store.ErrNotFound) {
		return nil, "store", nil
	}
	if err != nil {
		return nil, "", indexerrors.StoreFailed("failed to load "+c.entity, err)
	}
	return row.Entity(), "store", nil
}

// GetByFields returns the entities matching every filter. Buffered entities
// are answered from the cache first, then the store is scanned for ids the
// cache does not know; offset and limit apply over the concatenation.
func (c *EntityCache) GetByFields(ctx context.Context, filters []model.Filter, opts model.QueryOptions) ([]*model.Entity, error) {
	for _, f := range filters {
		if !f.Op.Supported() {
			return nil, indexerrors.UnsupportedOperator(f.Field, string(f.Op))
		}
	}
	if opts.Offset < 0 || opts.Limit < 0 {
		return nil, indexerrors.InvalidArgument("offset and limit must not be negative", nil)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	height := c.height.Get()

	known := make(map[string]struct{})
	var cached []*model.Entity
	layers := []*cacheLayer{c.active}
	if c.flushing != nil {
		layers = append(layers, c.flushing)
	}
	for _, layer := range layers {
		for id := range layer.firstTouch {
			if _, seen := known[id]; seen {
				continue
			}
			known[id] = struct{}{}
			entity, _, err := c.lookup(ctx, id, height)
			if err != nil {
				return nil, err
			}
			if entity != nil && model.MatchAll(filters, entity) {
				cached = append(cached, entity)
			}
		}
	}
	model.SortEntities(cached, opts.OrderBy, opts.OrderDirection)

	results := make([]*model.Entity, 0)
	storeOffset := opts.Offset - len(cached)
	if opts.Offset < len(cached) {
		end := len(cached)
		if opts.Limit > 0 && opts.Offset+opts.Limit < end {
			end = opts.Offset + opts.Limit
		}
		for _, e := range cached[opts.Offset:end] {
			results = append(results, e.Clone())
		}
		storeOffset = 0
	}

	storeLimit := opts.Limit
	if opts.Limit > 0 {
		storeLimit = opts.Limit - len(results)
		if storeLimit == 0 {
			return results, nil
		}
	}

	req := store.ScanRequest{
		Filters:        filters,
		Exclude:        make([]string, 0, len(known)),
		Offset:         storeOffset,
		Limit:          storeLimit,
		OrderBy:        opts.OrderBy,
		OrderDirection: opts.OrderDirection,
	}
	for id := range known {
		req.Exclude = append(req.Exclude, id)
	}
	if c.config.Historical {
		req.Height = model.Height(height)
	}
	rows, err := c.store.Scan(ctx, c.entity, req)
	if err != nil {
		return nil, indexerrors.StoreFailed("failed to scan "+c.entity, err)
	}
	for _, r := range rows {
		results = append(results, r.Entity())
	}
	return results, nil
}

// Set records data as the value of id from height onwards
func (c *EntityCache) Set(id string, data *model.Entity, height uint64) error {
	if data == nil {
		return indexerrors.InvalidValue(c.entity, id)
	}
	value := data.Clone()
	value.ID = id

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHeightLocked(id, height); err != nil {
		return err
	}
	layer := c.active
	layer.touch(id, height)
	hvs := layer.sets[id]

	if removedAt, ok := layer.removes[id]; ok && removedAt == height {
		// Same-block remove then set cancels the remove
		delete(layer.removes, id)
		if len(hvs) > 0 && hvs[0].Removed && hvs[0].EndHeight != nil && *hvs[0].EndHeight == height {
			hvs[0].Removed = false
		}
	} else if len(hvs) > 0 && hvs[0].IsOpen() && hvs[0].StartHeight == height {
		hvs[0].Data = value
		c.memo.Remove(id)
		return nil
	}

	if len(hvs) > 0 && hvs[0].IsOpen() {
		hvs[0].EndHeight = model.Height(height)
	}
	layer.sets[id] = append([]*model.HistoricalValue{{
		Data:        value,
		StartHeight: height,
	}}, hvs...)

	c.memo.Remove(id)
	return nil
}

// Remove marks id as deleted from height onwards. A version created in the
// same block is dropped entirely.
func (c *EntityCache) Remove(id string, height uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkHeightLocked(id, height); err != nil {
		return err
	}
	layer := c.active
	layer.touch(id, height)
	hvs := layer.sets[id]

	switch {
	case len(hvs) > 0 && hvs[0].IsOpen() && hvs[0].StartHeight == height:
		rest := hvs[1:]
		if len(rest) > 0 && rest[0].EndHeight != nil && *rest[0].EndHeight == height {
			rest[0].Removed = true
		}
		if len(rest) == 0 {
			delete(layer.sets, id)
		} else {
			layer.sets[id] = rest
		}
	case len(hvs) > 0 && hvs[0].IsOpen():
		hvs[0].EndHeight = model.Height(height)
		hvs[0].Removed = true
	case len(hvs) > 0:
		// already removed
		c.memo.Remove(id)
		return nil
	}
	layer.removes[id] = height

	c.memo.Remove(id)
	return nil
}

// CheckHeight reports whether a mutation of id at height would be accepted.
// Mutations of one id must not go below its latest buffered mutation.
func (c *EntityCache) CheckHeight(id string, height uint64) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkHeightLocked(id, height)
}

func (c *EntityCache) checkHeightLocked(id string, height uint64) error {
	latest := c.active.lastTouch[id]
	if c.flushing != nil && c.flushing.lastTouch[id] > latest {
		latest = c.flushing.lastTouch[id]
	}
	if height < latest {
		return indexerrors.OutOfOrder("mutation height", latest, height).
			WithDetail("entity", c.entity).
			WithDetail("id", id)
	}
	return nil
}

// flushPlan is the set of writes materialized from a frozen layer
type flushPlan struct {
	upserts []model.Row
	closes  map[string]uint64
	deletes []string
}

func (c *EntityCache) materialize(layer *cacheLayer) flushPlan {
	plan := flushPlan{closes: make(map[string]uint64)}
	for _, id := range layer.ids() {
		hvs := layer.sets[id]
		if !c.config.Historical {
			if len(hvs) > 0 && hvs[0].IsOpen() && !hvs[0].Removed {
				plan.upserts = append(plan.upserts, model.Row{ID: id, Fields: hvs[0].Data.Fields})
			} else {
				plan.deletes = append(plan.deletes, id)
			}
			continue
		}

		plan.closes[id] = layer.firstTouch[id]
		for i := len(hvs) - 1; i >= 0; i-- {
			hv := hvs[i]
			if hv.Removed && hv.EndHeight != nil && *hv.EndHeight == hv.StartHeight {
				continue
			}
			rg := hv.Range()
			plan.upserts = append(plan.upserts, model.Row{ID: id, Fields: hv.Data.Fields, Range: &rg})
		}
	}
	return plan
}

// Flush writes every buffered mutation into tx. Buffered state stays
// readable until tx commits; a rollback restores it underneath any
// mutations made in the meantime.
func (c *EntityCache) Flush(ctx context.Context, tx store.Tx, targetHeight uint64) ([]model.Row, error) {
	c.mu.Lock()
	if c.flushing != nil {
		c.mu.Unlock()
		return nil, indexerrors.FlushInProgress(c.entity)
	}
	if c.active.empty() {
		c.mu.Unlock()
		return nil, nil
	}
	if targetHeight != FlushLatest && c.active.maxHeight > targetHeight {
		c.mu.Unlock()
		return nil, indexerrors.InvalidArgument("flush target is below buffered mutations", nil).
			WithDetail("entity", c.entity).
			WithDetail("target_height", targetHeight)
	}
	layer := c.active
	c.flushing = layer
	c.active = newCacheLayer()
	c.mu.Unlock()

	tx.AfterCommit(func() { c.onCommit(layer) })
	tx.AfterRollback(func() { c.onRollback(layer) })

	plan := c.materialize(layer)

	if len(plan.closes) > 0 {
		if err := c.store.CloseRanges(ctx, tx, c.entity, plan.closes); err != nil {
			return nil, err
		}
	}
	if len(plan.deletes) > 0 {
		if err := c.store.DeleteRows(ctx, tx, c.entity, plan.deletes); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpsertRows(ctx, tx, c.entity, plan.upserts); err != nil {
		return nil, err
	}

	c.logger.Debug("Staged entity flush",
		zap.Uint64("max_height", layer.maxHeight),
		zap.Int("rows", len(plan.upserts)),
		zap.Int("closed", len(plan.closes)),
		zap.Int("deleted", len(plan.deletes)))
	c.metrics.FlushRowsTotal.WithLabelValues(c.entity).Add(float64(len(plan.upserts)))
	return plan.upserts, nil
}

func (c *EntityCache) onCommit(layer *cacheLayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushing == layer {
		c.flushing = nil
	}
	for id := range layer.firstTouch {
		c.memo.Remove(id)
	}
	c.updateGauges()
}

func (c *EntityCache) onRollback(layer *cacheLayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushing != layer {
		return
	}
	c.active.mergeUnder(layer)
	c.flushing = nil
	c.logger.Warn("Entity flush rolled back, restored buffered state",
		zap.Int("ids", len(layer.firstTouch)))
}

// Stats returns the buffered state counts
func (c *EntityCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked()
}

func (c *EntityCache) statsLocked() CacheStats {
	stats := CacheStats{
		BufferedIDs: len(c.active.firstTouch),
		Versions:    c.active.versionCount(),
		Removals:    len(c.active.removes),
		Flushing:    c.flushing != nil,
	}
	if c.flushing != nil {
		stats.BufferedIDs += len(c.flushing.firstTouch)
		stats.Versions += c.flushing.versionCount()
		stats.Removals += len(c.flushing.removes)
	}
	return stats
}

// updateGauges must be called with c.mu held
func (c *EntityCache) updateGauges() {
	stats := c.statsLocked()
	c.metrics.CacheBufferedIDs.WithLabelValues(c.entity).Set(float64(stats.BufferedIDs))
	c.metrics.CacheBufferedValues.WithLabelValues(c.entity).Set(float64(stats.Versions))
}
