// Package queue is the shared, ordered request list. Positions are always
// dense 1..N and every mutation is written through to a repository.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QueueFM/core/source"
	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/model"
	"QueueFM/repository"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSource is returned by Enqueue for unsupported links.
	ErrInvalidSource = errors.New("invalid or unsupported source url")
	// ErrNotFound is returned when an id is not in the queue.
	ErrNotFound = errors.New("queue item not found")
	// ErrHeadChanged is returned by PopNext when the head is not the expected item.
	ErrHeadChanged = errors.New("queue head changed")
)

// ChangeKind says what kind of mutation an observer is told about.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeRemoved   ChangeKind = "removed"
	ChangeReordered ChangeKind = "reordered"
	ChangeConsumed  ChangeKind = "consumed"
	ChangeRequeued  ChangeKind = "requeued"
	ChangeEnriched  ChangeKind = "enriched"
)

// Change is delivered to observers after the store lock is released.
type Change struct {
	Kind ChangeKind
	Item *model.QueueItem
}

// Observer receives every change. It runs on the mutating goroutine and
// must not block.
type Observer func(Change)

// Enricher resolves metadata for a newly added item.
type Enricher interface {
	FetchInfo(ctx context.Context, url string) source.Info
}

// Hints are optional client supplied metadata for Enqueue.
type Hints struct {
	Title     *string
	Thumbnail *string
}

// Store 队列存储
type Store struct {
	mu    sync.Mutex
	items []*model.QueueItem

	repo          repository.QueueRepository
	enricher      Enricher
	enrichTimeout time.Duration

	obsMu     sync.RWMutex
	observers []Observer

	wg  sync.WaitGroup
	now func() time.Time
}

// NewStore 创建队列存储; enricher may be nil.
func NewStore(repo repository.QueueRepository, enricher Enricher, enrichTimeout time.Duration) *Store {
	return &Store{
		repo:          repo,
		enricher:      enricher,
		enrichTimeout: enrichTimeout,
		now:           time.Now,
	}
}

// Subscribe registers an observer.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, o)
	s.obsMu.Unlock()
}

func (s *Store) notify(kind ChangeKind, item *model.QueueItem) {
	metrics.QueueLength.Set(float64(s.Len()))

	s.obsMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.RUnlock()

	c := Change{Kind: kind, Item: item.Clone()}
	for _, o := range observers {
		o(c)
	}
}

// Load replaces the in-memory list with the persisted queue, repairing
// positions if a previous run left gaps.
func (s *Store) Load(ctx context.Context) error {
	items, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	s.mu.Lock()
	s.items = items
	changed := s.renumber(0)
	if len(changed) > 0 {
		s.persistPositions(ctx, changed)
	}
	n := len(s.items)
	s.mu.Unlock()

	metrics.QueueLength.Set(float64(n))
	logger.Info("queue loaded", logger.Component("queue"), logger.Int("items", n))
	return nil
}

// renumber assigns dense positions from index from onward and returns the
// items whose position changed. Caller holds mu.
func (s *Store) renumber(from int) []*model.QueueItem {
	var changed []*model.QueueItem
	for i := from; i < len(s.items); i++ {
		if s.items[i].Position != i+1 {
			s.items[i].Position = i + 1
			changed = append(changed, s.items[i])
		}
	}
	return changed
}

func (s *Store) persistPositions(ctx context.Context, changed []*model.QueueItem) {
	if len(changed) == 0 {
		return
	}
	if err := s.repo.UpdatePositions(ctx, changed); err != nil {
		logger.Error("failed to persist queue positions", logger.Component("queue"), logger.ErrorField(err))
	}
}

func (s *Store) indexOf(id string) int {
	for i, it := range s.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// List returns a copy of the queue in play order.
func (s *Store) List() []*model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.QueueItem, len(s.items))
	for i, it := range s.items {
		out[i] = it.Clone()
	}
	return out
}

// Len returns the number of waiting items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Contains reports whether id is still waiting in the queue.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOf(id) >= 0
}

// CountBy returns how many waiting items addedBy has queued.
func (s *Store) CountBy(addedBy string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.AddedBy == addedBy {
			n++
		}
	}
	return n
}

// Enqueue appends a provisional item and returns immediately. Title and
// thumbnail are filled in by a background lookup when missing.
func (s *Store) Enqueue(ctx context.Context, url, addedBy string, hints Hints) (*model.QueueItem, error) {
	sourceID := source.ExtractSourceID(url)
	if sourceID == "" {
		return nil, ErrInvalidSource
	}

	thumb := hints.Thumbnail
	if thumb == nil && !source.IsSoundCloud(sourceID) {
		thumb = model.StringPtr(source.Thumbnail(sourceID))
	}

	s.mu.Lock()
	item := &model.QueueItem{
		ID:        uuid.NewString(),
		SourceURL: url,
		SourceID:  sourceID,
		Title:     hints.Title,
		Thumbnail: thumb,
		AddedBy:   addedBy,
		Position:  len(s.items) + 1,
		CreatedAt: s.now(),
	}
	if err := s.repo.Create(ctx, item); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist queue item: %w", err)
	}
	s.items = append(s.items, item)
	out := item.Clone()
	s.mu.Unlock()

	logger.Info("queue item added",
		logger.Component("queue"),
		logger.String("id", out.ID),
		logger.String("sourceId", sourceID),
		logger.String("addedBy", addedBy))
	s.notify(ChangeAdded, out)

	if s.enricher != nil && (out.Title == nil || out.Thumbnail == nil) {
		s.wg.Add(1)
		go s.enrich(out.ID, url)
	}
	return out, nil
}

func (s *Store) enrich(id, url string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.enrichTimeout)
	defer cancel()

	info := s.enricher.FetchInfo(ctx, url)
	if info.Empty() {
		return
	}

	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	item := s.items[i]
	var title, thumb *string
	if item.Title == nil && info.Title != nil {
		title = info.Title
		item.Title = title
	}
	if item.Thumbnail == nil && info.Thumbnail != nil {
		thumb = info.Thumbnail
		item.Thumbnail = thumb
	}
	if title == nil && thumb == nil {
		s.mu.Unlock()
		return
	}
	if err := s.repo.UpdateMetadata(ctx, id, title, thumb); err != nil {
		logger.Warn("failed to persist queue metadata", logger.Component("queue"), logger.ErrorField(err))
	}
	out := item.Clone()
	s.mu.Unlock()

	s.notify(ChangeEnriched, out)
}

// Wait blocks until background enrichment has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Remove deletes id from the queue.
func (s *Store) Remove(ctx context.Context, id string) (*model.QueueItem, error) {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	item := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	changed := s.renumber(i)
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Error("failed to delete queue item", logger.Component("queue"), logger.ErrorField(err))
	}
	s.persistPositions(ctx, changed)
	s.mu.Unlock()

	s.notify(ChangeRemoved, item)
	return item.Clone(), nil
}

// Reorder moves id to newPosition, clamped into [1, len].
func (s *Store) Reorder(ctx context.Context, id string, newPosition int) error {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	target := min(max(newPosition, 1), len(s.items)) - 1

	item := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	s.items = append(s.items, nil)
	copy(s.items[target+1:], s.items[target:])
	s.items[target] = item

	changed := s.renumber(0)
	s.persistPositions(ctx, changed)
	s.mu.Unlock()

	s.notify(ChangeReordered, item)
	return nil
}

// PeekNext returns the head or nil.
func (s *Store) PeekNext() *model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil
	}
	return s.items[0].Clone()
}

// PopNext removes and returns the head. When expectID is set and the head
// is a different item nothing is removed and ErrHeadChanged is returned.
// An empty queue yields nil, nil.
func (s *Store) PopNext(ctx context.Context, expectID string) (*model.QueueItem, error) {
	s.mu.Lock()
	if len(s.items) == 0 {
		s.mu.Unlock()
		if expectID != "" {
			return nil, ErrHeadChanged
		}
		return nil, nil
	}
	head := s.items[0]
	if expectID != "" && head.ID != expectID {
		s.mu.Unlock()
		return nil, ErrHeadChanged
	}
	s.items = s.items[1:]
	changed := s.renumber(0)
	if err := s.repo.Delete(ctx, head.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Error("failed to delete consumed queue item", logger.Component("queue"), logger.ErrorField(err))
	}
	s.persistPositions(ctx, changed)
	s.mu.Unlock()

	s.notify(ChangeConsumed, head)
	return head.Clone(), nil
}

// Requeue puts a consumed item back at the head for another attempt.
// It is a no-op when the item is already queued.
func (s *Store) Requeue(ctx context.Context, item *model.QueueItem) error {
	s.mu.Lock()
	if s.indexOf(item.ID) >= 0 {
		s.mu.Unlock()
		return nil
	}
	c := item.Clone()
	c.Position = 1
	if err := s.repo.Create(ctx, c); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist requeued item: %w", err)
	}
	s.items = append([]*model.QueueItem{c}, s.items...)
	changed := s.renumber(1)
	s.persistPositions(ctx, changed)
	s.mu.Unlock()

	s.notify(ChangeRequeued, c)
	return nil
}
