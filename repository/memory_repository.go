package repository

import (
	"context"
	"sort"
	"sync"

	"QueueFM/model"
)

// MemoryQueueRepository keeps the queue in process memory. Used with
// DB_DRIVER=memory and in tests.
type MemoryQueueRepository struct {
	mu    sync.Mutex
	items map[string]*model.QueueItem
}

// NewMemoryQueueRepository 创建内存队列仓库
func NewMemoryQueueRepository() *MemoryQueueRepository {
	return &MemoryQueueRepository{items: make(map[string]*model.QueueItem)}
}

func (r *MemoryQueueRepository) List(_ context.Context) ([]*model.QueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.QueueItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryQueueRepository) Create(_ context.Context, item *model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *MemoryQueueRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryQueueRepository) UpdatePositions(_ context.Context, items []*model.QueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if stored, ok := r.items[item.ID]; ok {
			stored.Position = item.Position
		}
	}
	return nil
}

func (r *MemoryQueueRepository) UpdateMetadata(_ context.Context, id string, title, thumbnail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if title != nil {
		t := *title
		stored.Title = &t
	}
	if thumbnail != nil {
		t := *thumbnail
		stored.Thumbnail = &t
	}
	return nil
}

// MemoryHistoryRepository 内存播放历史
type MemoryHistoryRepository struct {
	mu      sync.Mutex
	entries []*model.PlayedHistory
}

func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{}
}

func (r *MemoryHistoryRepository) Record(_ context.Context, entry *model.PlayedHistory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *entry
	c.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, &c)
	return nil
}

// Recent returns the newest entries first.
func (r *MemoryHistoryRepository) Recent(_ context.Context, limit int) ([]*model.PlayedHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.PlayedHistory, 0, limit)
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		c := *r.entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// MemorySettingsRepository 内存设置
type MemorySettingsRepository struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemorySettingsRepository() *MemorySettingsRepository {
	return &MemorySettingsRepository{values: make(map[string]string)}
}

func (r *MemorySettingsRepository) Get(_ context.Context, key string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[key]
	return v, ok, nil
}

func (r *MemorySettingsRepository) Set(_ context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
	return nil
}

func (r *MemorySettingsRepository) All(_ context.Context) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out, nil
}
