// Package preload downloads upcoming queue items while the current track
// plays, so the next track can start without a download gap.
package preload

import (
	"context"
	"sync"
	"sync/atomic"

	"QueueFM/core/source"
	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/model"
)

// Entry is a queue item whose audio is already on disk.
type Entry struct {
	Item            *model.QueueItem
	File            string
	DurationSeconds *int
}

// Preparer resolves metadata and downloads one item. A file may be shared
// by several holders; Release reports whether the caller was the last.
type Preparer interface {
	Prepare(ctx context.Context, item *model.QueueItem) (*Entry, error)
	Release(itemID string) bool
}

// Queue is the live membership view the cache re-checks before committing.
type Queue interface {
	List() []*model.QueueItem
	Contains(id string) bool
}

// Cache holds at most capacity prepared entries keyed by queue item id.
type Cache struct {
	capacity  int
	queue     Queue
	prep      Preparer
	keepFiles func() bool

	mu      sync.Mutex
	entries []*Entry

	filling atomic.Bool
	// generation is bumped by InvalidateAll; a fill that started under an
	// older generation must not commit.
	generation atomic.Uint64
}

// NewCache 创建预加载缓存; keepFiles may be nil.
func NewCache(capacity int, queue Queue, prep Preparer, keepFiles func() bool) *Cache {
	if keepFiles == nil {
		keepFiles = func() bool { return false }
	}
	return &Cache{capacity: capacity, queue: queue, prep: prep, keepFiles: keepFiles}
}

// Len returns the number of ready entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether id has a ready entry.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOf(id) >= 0
}

func (c *Cache) indexOf(id string) int {
	for i, e := range c.entries {
		if e.Item.ID == id {
			return i
		}
	}
	return -1
}

// Filling reports whether a Fill is in progress.
func (c *Cache) Filling() bool {
	return c.filling.Load()
}

// Take removes and returns the entry for id, or nil.
func (c *Cache) Take(id string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexOf(id)
	if i < 0 {
		return nil
	}
	e := c.entries[i]
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	metrics.PreloadResults.WithLabelValues("hit").Inc()
	return e
}

// InvalidateAll drops every entry, deleting files unless keep-files is on.
// Fills already in flight will discard what they download.
func (c *Cache) InvalidateAll() {
	c.generation.Add(1)

	c.mu.Lock()
	dropped := c.entries
	c.entries = nil
	c.mu.Unlock()

	for _, e := range dropped {
		c.discard(e)
	}
	if len(dropped) > 0 {
		logger.Info("preload buffer invalidated", logger.Component("preload"), logger.Int("dropped", len(dropped)))
	}
}

// discard gives up the cache's hold on e. The file is deleted only when
// nobody else holds it.
func (c *Cache) discard(e *Entry) {
	if !c.prep.Release(e.Item.ID) || c.keepFiles() {
		return
	}
	if err := source.Cleanup(e.File); err != nil {
		logger.Warn("preload cleanup failed", logger.Component("preload"), logger.ErrorField(err))
	}
}

// Fill prepares queue items that are not buffered yet, skipping excludeID,
// until the cache is full or the queue runs out. A Fill that overlaps a
// running one returns immediately.
func (c *Cache) Fill(ctx context.Context, excludeID string) {
	if c.capacity <= 0 || !c.filling.CompareAndSwap(false, true) {
		return
	}
	defer c.filling.Store(false)

	attempted := make(map[string]bool)
	for ctx.Err() == nil {
		item := c.nextCandidate(excludeID, attempted)
		if item == nil {
			return
		}
		attempted[item.ID] = true

		gen := c.generation.Load()
		logger.Debug("preloading",
			logger.Component("preload"),
			logger.String("id", item.ID),
			logger.String("title", item.DisplayName()))

		entry, err := c.prep.Prepare(ctx, item)
		if err != nil {
			metrics.PreloadResults.WithLabelValues("failed").Inc()
			logger.Warn("preload failed",
				logger.Component("preload"),
				logger.String("title", item.DisplayName()),
				logger.ErrorField(err))
			continue
		}

		if !c.commit(entry, gen) {
			metrics.PreloadResults.WithLabelValues("discarded").Inc()
			logger.Info("preload discarded",
				logger.Component("preload"),
				logger.String("title", item.DisplayName()))
			c.discard(entry)
			continue
		}
		metrics.PreloadResults.WithLabelValues("ready").Inc()
		logger.Info("preload ready",
			logger.Component("preload"),
			logger.String("title", item.DisplayName()),
			logger.Int("buffered", c.Len()))
	}
}

func (c *Cache) nextCandidate(excludeID string, attempted map[string]bool) *model.QueueItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.capacity {
		return nil
	}
	for _, it := range c.queue.List() {
		if it.ID == excludeID || attempted[it.ID] || c.indexOf(it.ID) >= 0 {
			continue
		}
		return it
	}
	return nil
}

// commit adds e only when its item is still queued and no invalidation
// happened since gen was read.
func (c *Cache) commit(e *Entry, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen || !c.queue.Contains(e.Item.ID) {
		return false
	}
	if len(c.entries) >= c.capacity || c.indexOf(e.Item.ID) >= 0 {
		return false
	}
	c.entries = append(c.entries, e)
	return true
}
