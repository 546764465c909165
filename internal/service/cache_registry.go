package service

import (
	"context"
	"math"
	"sync"
	"time"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/metrics"
	"github.com/devrev/indexstore/internal/store"
	"github.com/devrev/indexstore/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FlushLatest as a flush target flushes everything buffered at the moment
// each participant is frozen
const FlushLatest uint64 = math.MaxUint64

// Flushable writes buffered state into a shared flush transaction
type Flushable interface {
	Name() string
	FlushTo(ctx context.Context, tx store.Tx, height uint64) error
}

// Name implements Flushable
func (c *EntityCache) Name() string { return c.entity }

// FlushTo implements Flushable
func (c *EntityCache) FlushTo(ctx context.Context, tx store.Tx, height uint64) error {
	_, err := c.Flush(ctx, tx, height)
	return err
}

// CacheRegistryConfig holds flush coordination configuration
type CacheRegistryConfig struct {
	Historical   bool
	GetCacheSize int
	// FlushInterval is the number of processed blocks between flushes
	FlushInterval int
	FlushTimeout  time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
}

// CacheRegistry owns one EntityCache per entity type and flushes all of
// them in a single transaction
type CacheRegistry struct {
	config  *CacheRegistryConfig
	store   store.BackingStore
	height  *BlockHeight
	metrics *metrics.Metrics
	logger  *zap.Logger
	pool    *workerpool.WorkerPool

	mu      sync.Mutex
	caches  map[string]*EntityCache
	order   []string
	extras  []Flushable
	counter int
	pending *workerpool.Handle
	// asyncErr is the first failure of a background flush
	asyncErr error

	flushMu sync.Mutex
}

// NewCacheRegistry creates a registry. Background flushes run one at a time.
func NewCacheRegistry(cfg *CacheRegistryConfig, backing store.BackingStore, m *metrics.Metrics, logger *zap.Logger) *CacheRegistry {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &CacheRegistry{
		config:  cfg,
		store:   backing,
		height:  &BlockHeight{},
		metrics: m,
		logger:  logger,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "flush",
			MaxWorkers: 1,
			QueueSize:  4,
			Logger:     logger,
		}),
		caches: make(map[string]*EntityCache),
	}
}

// Model returns the cache for entity, creating it and its table on first use
func (r *CacheRegistry) Model(ctx context.Context, entity string) (*EntityCache, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.caches[entity]; ok {
		return c, nil
	}
	if err := r.store.EnsureTable(ctx, entity, r.config.Historical); err != nil {
		return nil, err
	}
	c, err := NewEntityCache(entity, &EntityCacheConfig{
		Historical:   r.config.Historical,
		GetCacheSize: r.config.GetCacheSize,
	}, r.store, r.height, r.metrics, r.logger)
	if err != nil {
		return nil, err
	}
	r.caches[entity] = c
	r.order = append(r.order, entity)
	r.logger.Info("Registered entity cache",
		zap.String("entity", entity),
		zap.Bool("historical", r.config.Historical))
	return c, nil
}

// Register adds a non-entity participant to every flush
func (r *CacheRegistry) Register(f Flushable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extras = append(r.extras, f)
}

// SetBlockHeight sets the height reads resolve against
func (r *CacheRegistry) SetBlockHeight(h uint64) { r.height.Set(h) }

// BlockHeight returns the current height
func (r *CacheRegistry) BlockHeight() uint64 { return r.height.Get() }

// Stats returns the buffered state per entity type
func (r *CacheRegistry) Stats() map[string]CacheStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CacheStats, len(r.caches))
	for name, c := range r.caches {
		out[name] = c.Stats()
	}
	return out
}

func (r *CacheRegistry) flushables() []Flushable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Flushable, 0, len(r.order)+len(r.extras))
	for _, name := range r.order {
		out = append(out, r.caches[name])
	}
	return append(out, r.extras...)
}

// FlushAll persists every buffered mutation up to height in one
// transaction. A failed attempt rolls back and leaves the caches as they
// were; transaction failures are retried up to MaxRetries times.
func (r *CacheRegistry) FlushAll(ctx context.Context, height uint64) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	var err error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		err = r.flushOnce(ctx, height)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		r.logger.Warn("Flush attempt failed",
			zap.Uint64("height", height),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

func (r *CacheRegistry) flushOnce(ctx context.Context, height uint64) error {
	if r.config.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.FlushTimeout)
		defer cancel()
	}

	start := time.Now()
	runID := uuid.New().String()
	logHeight := height
	if height == FlushLatest {
		logHeight = r.height.Get()
	}
	logger := r.logger.With(zap.String("flush_id", runID), zap.Uint64("height", logHeight))

	tx, err := r.store.Begin(ctx)
	if err != nil {
		r.metrics.FlushFailuresTotal.Inc()
		return indexerrors.TransactionFailed("failed to begin flush", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range r.flushables() {
		f := f
		g.Go(func() error {
			if err := f.FlushTo(gctx, tx, height); err != nil {
				logger.Error("Flush participant failed", zap.String("entity", f.Name()), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.metrics.FlushFailuresTotal.Inc()
		if rbErr := tx.Rollback(context.Background()); rbErr != nil {
			logger.Error("Failed to roll back flush", zap.Error(rbErr))
		}
		if indexerrors.IsIndexError(err) {
			return err
		}
		return indexerrors.TransactionFailed("flush failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		r.metrics.FlushFailuresTotal.Inc()
		return indexerrors.TransactionFailed("flush commit failed", err)
	}

	duration := time.Since(start)
	r.metrics.FlushesTotal.Inc()
	r.metrics.FlushDuration.Observe(duration.Seconds())
	logger.Info("Flushed caches", zap.Duration("duration", duration))
	return nil
}

// FlushIfNeeded counts a processed block and starts a background flush
// every FlushInterval blocks. It reports a non-retryable failure of an
// earlier background flush.
func (r *CacheRegistry) FlushIfNeeded(ctx context.Context, height uint64) error {
	r.mu.Lock()
	if err := r.asyncErr; err != nil {
		r.mu.Unlock()
		return err
	}
	r.counter++
	due := r.counter >= r.config.FlushInterval
	if due {
		r.counter = 0
	}
	r.mu.Unlock()

	if !due {
		return nil
	}
	_, err := r.FlushAsync(ctx)
	return err
}

// FlushAsync queues a flush of everything buffered at the time it runs
func (r *CacheRegistry) FlushAsync(ctx context.Context) (*workerpool.Handle, error) {
	h, err := r.pool.SubmitWithContext(ctx, workerpool.Task{
		ID: "flush-" + uuid.New().String(),
		Fn: func(taskCtx context.Context) error {
			// the height may move on before the flush runs
			err := r.FlushAll(taskCtx, FlushLatest)
			// buffered state survives a rolled back flush, so the next
			// scheduled flush retries it
			if err != nil && !isRetryable(err) {
				r.mu.Lock()
				if r.asyncErr == nil {
					r.asyncErr = err
				}
				r.mu.Unlock()
			}
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.pending = h
	r.mu.Unlock()
	return h, nil
}

// WaitIdle blocks until the most recent background flush has finished
func (r *CacheRegistry) WaitIdle(ctx context.Context) error {
	r.mu.Lock()
	h := r.pending
	r.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Wait(ctx)
}

// Close drains background flushes and forces a final flush
func (r *CacheRegistry) Close(ctx context.Context) error {
	if err := r.pool.Stop(30 * time.Second); err != nil {
		r.logger.Warn("Flush pool did not stop cleanly", zap.Error(err))
	}
	return r.FlushAll(ctx, r.height.Get())
}

func isRetryable(err error) bool {
	switch indexerrors.GetCode(err) {
	case indexerrors.ErrCodeTransactionFailed, indexerrors.ErrCodeStoreFailed:
		return true
	}
	return false
}
