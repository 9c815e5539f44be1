package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"externalorder/internal/clock"
	"externalorder/internal/metrics"
	"externalorder/internal/model"
	"externalorder/internal/storage"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrTransitionRejected = errors.New("status transition rejected")
)

const (
	publishTimeout    = 5 * time.Second
	invalidateTimeout = 2 * time.Second
)

type Source string

const (
	SourceCache    Source = "cache"
	SourceDatabase Source = "database"
)

type OrderStore interface {
	Insert(ctx context.Context, o model.ExternalOrder) (*model.ExternalOrder, error)
	Update(ctx context.Context, o model.ExternalOrder, expectedStatus string) error
	SoftDelete(ctx context.Context, platform, tid string) error
	Get(ctx context.Context, platform, tid string) (*model.ExternalOrder, error)
	Page(ctx context.Context, filter storage.PageFilter, page, size int) ([]model.ExternalOrder, int64, error)
}

type Cache interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type Notifier interface {
	Publish(ctx context.Context, order model.ExternalOrder) error
}

type Options struct {
	CacheTTL time.Duration
	// DoubleDeleteDelay schedules a second invalidation after a write so a
	// reader that repopulated the cache with the old row is corrected.
	DoubleDeleteDelay time.Duration
}

// OrderService owns the consistency policy between the store, the read cache
// and the inserted notifications. API handlers and the ingestor share it.
type OrderService struct {
	store       OrderStore
	cache       Cache
	notifier    Notifier
	transitions StatusTransitioner
	clock       clock.Clock
	opts        Options
	// afterFunc schedules f and returns a stop func with time.Timer.Stop semantics.
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	// Delayed invalidations pending until Close.
	mu        sync.Mutex
	closed    bool
	nextTimer int
	timers    map[int]func() bool
	inflight  sync.WaitGroup
	closeCtx  context.Context
	cancel    context.CancelFunc
}

func NewOrderService(store OrderStore, cache Cache, notifier Notifier, transitions StatusTransitioner, clk clock.Clock, opts Options) *OrderService {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	closeCtx, cancel := context.WithCancel(context.Background())
	return &OrderService{
		store:       store,
		cache:       cache,
		notifier:    notifier,
		transitions: transitions,
		clock:       clk,
		opts:        opts,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		timers:   map[int]func() bool{},
		closeCtx: closeCtx,
		cancel:   cancel,
	}
}

// Close drops pending delayed invalidations and waits for one that already
// started. Call it before closing the cache client.
func (s *OrderService) Close() {
	s.mu.Lock()
	s.closed = true
	timers := s.timers
	s.timers = map[int]func() bool{}
	s.mu.Unlock()

	s.cancel()
	for _, stop := range timers {
		if stop() {
			s.inflight.Done()
		}
	}
	s.inflight.Wait()
}

// Insert persists a new order and publishes it. A publish failure after the
// commit is logged and does not fail the insert.
func (s *OrderService) Insert(ctx context.Context, order model.ExternalOrder) (*model.ExternalOrder, error) {
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if order.CreateTime.IsZero() {
		order.CreateTime = s.clock.Now()
	}
	order.IsDeleted = false

	created, err := s.store.Insert(ctx, order)
	if err != nil {
		slog.Error("insert rolled back", "platform", order.FromPlatform, "tid", order.Tid, "error", err)
		return nil, err
	}
	slog.Info("insert committed", "platform", created.FromPlatform, "tid", created.Tid)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.notifier.Publish(pubCtx, *created); err != nil {
		metrics.PublishFailuresTotal.Inc()
		slog.Error("inserted notification lost after commit", "platform", created.FromPlatform, "tid", created.Tid, "error", err)
	} else {
		slog.Info("inserted notification published", "platform", created.FromPlatform, "tid", created.Tid)
	}

	return created, nil
}

// Update replaces the order's non-identity fields. With an event, the
// submitted status is the order's current status: it is moved through the
// transitioner and the row must still carry it when the update runs.
func (s *OrderService) Update(ctx context.Context, req model.UpdateRequest) error {
	order := req.Order
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	var expected string
	if req.Event != "" {
		next, ok := s.transitions.Transition(order.Status, req.Event)
		if !ok {
			return fmt.Errorf("%w: tid %s status %s event %s", ErrTransitionRejected, order.Tid, order.Status, req.Event)
		}
		slog.Info("status transition", "tid", order.Tid, "from", order.Status, "event", req.Event, "to", next)
		expected = order.Status
		order.Status = next
	}

	if err := s.store.Update(ctx, order, expected); err != nil {
		slog.Error("update rolled back", "platform", order.FromPlatform, "tid", order.Tid, "error", err)
		return err
	}
	slog.Info("update committed", "platform", order.FromPlatform, "tid", order.Tid)

	s.invalidate(ctx, order.Key())
	return nil
}

func (s *OrderService) Delete(ctx context.Context, req model.DeleteRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := s.store.SoftDelete(ctx, req.FromPlatform, req.Tid); err != nil {
		slog.Error("delete rolled back", "platform", req.FromPlatform, "tid", req.Tid, "error", err)
		return err
	}
	slog.Info("delete committed", "platform", req.FromPlatform, "tid", req.Tid)

	s.invalidate(ctx, model.CacheKey(req.FromPlatform, req.Tid))
	return nil
}

// Get reads through the cache. Cache failures degrade to a store read.
func (s *OrderService) Get(ctx context.Context, platform, tid string) (*model.ExternalOrder, Source, error) {
	if platform == "" {
		return nil, "", fmt.Errorf("%w: %w", ErrValidation, model.ErrPlatformRequired)
	}
	if tid == "" {
		return nil, "", fmt.Errorf("%w: %w", ErrValidation, model.ErrTidRequired)
	}
	key := model.CacheKey(platform, tid)

	if order, ok := s.lookup(ctx, key); ok {
		return order, SourceCache, nil
	}

	order, err := s.store.Get(ctx, platform, tid)
	if err != nil {
		return nil, "", err
	}

	if data, err := json.Marshal(order); err != nil {
		slog.Warn("encode cache entry failed", "key", key, "error", err)
	} else if err := s.cache.Store(ctx, key, data, s.opts.CacheTTL); err != nil {
		slog.Warn("cache populate failed", "key", key, "error", err)
	}

	return order, SourceDatabase, nil
}

type PageQuery struct {
	Page int
	Size int
	From *time.Time
	To   *time.Time
}

func (s *OrderService) PageQuery(ctx context.Context, q PageQuery) (*model.PageResult, error) {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, fmt.Errorf("%w: from is after to", ErrValidation)
	}
	page, size := storage.NormalizePage(q.Page, q.Size)

	items, total, err := s.store.Page(ctx, storage.PageFilter{From: q.From, To: q.To}, page, size)
	if err != nil {
		slog.Error("page query failed", "page", page, "size", size, "error", err)
		return nil, err
	}

	return &model.PageResult{Total: total, Page: page, Size: size, Items: items}, nil
}

func (s *OrderService) lookup(ctx context.Context, key string) (*model.ExternalOrder, bool) {
	data, ok, err := s.cache.Lookup(ctx, key)
	if err != nil {
		metrics.CacheLookupsTotal.WithLabelValues(metrics.CacheError).Inc()
		slog.Warn("cache lookup failed, reading store", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues(metrics.CacheMiss).Inc()
		slog.Debug("cache miss", "key", key)
		return nil, false
	}

	var order model.ExternalOrder
	if err := json.Unmarshal(data, &order); err != nil {
		metrics.CacheLookupsTotal.WithLabelValues(metrics.CacheError).Inc()
		slog.Warn("corrupt cache entry, reading store", "key", key, "error", err)
		return nil, false
	}
	metrics.CacheLookupsTotal.WithLabelValues(metrics.CacheHit).Inc()
	slog.Debug("cache hit", "key", key)
	return &order, true
}

// invalidate runs after a committed write. Failures are logged only: the
// entry then lives until its TTL.
func (s *OrderService) invalidate(ctx context.Context, key string) {
	s.evict(context.WithoutCancel(ctx), key)

	if s.opts.DoubleDeleteDelay > 0 {
		s.scheduleEvict(key)
	}
}

func (s *OrderService) scheduleEvict(key string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	id := s.nextTimer
	s.nextTimer++
	s.inflight.Add(1)
	s.mu.Unlock()

	stop := s.afterFunc(s.opts.DoubleDeleteDelay, func() {
		defer s.inflight.Done()
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		if s.closeCtx.Err() != nil {
			return
		}
		s.evict(s.closeCtx, key)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if stop() {
			s.inflight.Done()
		}
		return
	}
	s.timers[id] = stop
}

func (s *OrderService) evict(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, invalidateTimeout)
	defer cancel()

	if err := s.cache.Invalidate(ctx, key); err != nil {
		metrics.CacheInvalidationFailuresTotal.Inc()
		slog.Warn("cache invalidation failed", "key", key, "error", err)
		return
	}
	slog.Debug("cache invalidated", "key", key)
}
