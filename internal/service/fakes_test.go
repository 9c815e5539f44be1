package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"externalorder/internal/model"
	"externalorder/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]model.ExternalOrder
	deleted  map[string]bool
	err      error
	getCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: map[string]model.ExternalOrder{}, deleted: map[string]bool{}}
}

func (f *fakeStore) Insert(_ context.Context, o model.ExternalOrder) (*model.ExternalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.orders[o.Key()]; ok && !f.deleted[o.Key()] {
		return nil, storage.ErrOrderExists
	}
	o.UpdateTime = o.CreateTime
	f.orders[o.Key()] = o
	delete(f.deleted, o.Key())
	return &o, nil
}

func (f *fakeStore) Update(_ context.Context, o model.ExternalOrder, expectedStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	cur, ok := f.orders[o.Key()]
	if !ok || f.deleted[o.Key()] || (expectedStatus != "" && cur.Status != expectedStatus) {
		return fmt.Errorf("%w: got 0", storage.ErrRowsAffected)
	}
	o.CreateTime = cur.CreateTime
	f.orders[o.Key()] = o
	return nil
}

func (f *fakeStore) SoftDelete(_ context.Context, platform, tid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	key := model.CacheKey(platform, tid)
	if _, ok := f.orders[key]; !ok || f.deleted[key] {
		return fmt.Errorf("%w: got 0", storage.ErrRowsAffected)
	}
	f.deleted[key] = true
	return nil
}

func (f *fakeStore) Get(_ context.Context, platform, tid string) (*model.ExternalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	key := model.CacheKey(platform, tid)
	o, ok := f.orders[key]
	if !ok || f.deleted[key] {
		return nil, storage.ErrOrderNotFound
	}
	return &o, nil
}

func (f *fakeStore) Page(_ context.Context, filter storage.PageFilter, page, size int) ([]model.ExternalOrder, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	var live []model.ExternalOrder
	for key, o := range f.orders {
		if f.deleted[key] {
			continue
		}
		if filter.From != nil && o.CreateTime.Before(*filter.From) {
			continue
		}
		if filter.To != nil && o.CreateTime.After(*filter.To) {
			continue
		}
		live = append(live, o)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreateTime.After(live[j].CreateTime) })

	start := (page - 1) * size
	if start > len(live) {
		start = len(live)
	}
	end := start + size
	if end > len(live) {
		end = len(live)
	}
	return live[start:end], int64(len(live)), nil
}

type fakeCache struct {
	mu          sync.Mutex
	items       map[string][]byte
	ttls        map[string]time.Duration
	lookupErr   error
	storeErr    error
	evictErr    error
	evictions   []string
	storedCount int
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCache) Lookup(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, false, f.lookupErr
	}
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *fakeCache) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.items[key] = value
	f.ttls[key] = ttl
	f.storedCount++
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evictions = append(f.evictions, key)
	if f.evictErr != nil {
		return f.evictErr
	}
	delete(f.items, key)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []model.ExternalOrder
	err       error
}

func (f *fakeNotifier) Publish(_ context.Context, order model.ExternalOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, order)
	return nil
}
