package player

import (
	"context"
	"fmt"
	"sync"

	"QueueFM/core/preload"
	"QueueFM/core/source"
	"QueueFM/logger"
	"QueueFM/model"

	"golang.org/x/sync/singleflight"
)

// InfoFetcher resolves track metadata.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, url string) source.Info
}

// Downloader fetches the audio of a queue item into the cache directory.
type Downloader interface {
	Download(ctx context.Context, url, sourceID, itemID string) (string, error)
}

// Preparer turns a queue item into a playable file. Concurrent calls for
// the same item share one download. Every caller that got an entry holds
// it until Release, and only the last holder may delete the file.
type Preparer struct {
	info       InfoFetcher
	downloader Downloader
	keepFiles  func() bool
	group      singleflight.Group

	mu      sync.Mutex
	holders map[string]int
}

// NewPreparer 创建准备器; keepFiles may be nil.
func NewPreparer(info InfoFetcher, downloader Downloader, keepFiles func() bool) *Preparer {
	if keepFiles == nil {
		keepFiles = func() bool { return false }
	}
	return &Preparer{info: info, downloader: downloader, keepFiles: keepFiles, holders: make(map[string]int)}
}

// Prepare resolves metadata and downloads item. When ctx ends first the
// caller stops waiting and gets ctx's error; the shared download goes on
// for the other callers.
func (p *Preparer) Prepare(ctx context.Context, item *model.QueueItem) (*preload.Entry, error) {
	// holding and joining happen under one lock, so a Release can't see
	// the count drop to zero between them
	p.mu.Lock()
	p.holders[item.ID]++
	ch := p.group.DoChan(item.ID, func() (interface{}, error) {
		return p.prepare(ctx, item)
	})
	p.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			p.Release(item.ID)
			return nil, res.Err
		}
		if res.Shared {
			logger.Debug("prepare shared", logger.Component("player"), logger.String("id", item.ID))
		}
		e := res.Val.(*preload.Entry)
		return &preload.Entry{Item: e.Item.Clone(), File: e.File, DurationSeconds: e.DurationSeconds}, nil
	case <-ctx.Done():
		go p.abandon(item.ID, ch)
		return nil, ctx.Err()
	}
}

// abandon drops the hold of a caller that stopped waiting once the
// download it joined has finished.
func (p *Preparer) abandon(itemID string, ch <-chan singleflight.Result) {
	res := <-ch
	last := p.Release(itemID)
	if res.Err != nil || !last || p.keepFiles() {
		return
	}
	file := res.Val.(*preload.Entry).File
	if err := source.Cleanup(file); err != nil {
		logger.Warn("cleanup failed", logger.Component("player"), logger.ErrorField(err))
	}
}

// Release gives up one hold on the file prepared for itemID and reports
// whether it was the last one, in which case the caller owns the file.
func (p *Preparer) Release(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.holders[itemID] - 1
	if n > 0 {
		p.holders[itemID] = n
		return false
	}
	delete(p.holders, itemID)
	return true
}

// Holders reports how many callers hold the file of itemID.
func (p *Preparer) Holders(itemID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holders[itemID]
}

func (p *Preparer) prepare(ctx context.Context, item *model.QueueItem) (*preload.Entry, error) {
	it := item.Clone()
	info := p.info.FetchInfo(ctx, it.SourceURL)
	if info.Title != nil && it.Title == nil {
		it.Title = info.Title
	}
	if info.Thumbnail != nil && it.Thumbnail == nil {
		it.Thumbnail = info.Thumbnail
	}

	file, err := p.downloader.Download(ctx, it.SourceURL, it.SourceID, it.ID)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", it.SourceID, err)
	}
	return &preload.Entry{Item: it, File: file, DurationSeconds: info.DurationSeconds}, nil
}
