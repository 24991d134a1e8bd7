// Package player runs the single playback loop of the station: it picks the
// next track, makes sure its audio is on disk, streams it through the sink
// and cleans up afterwards.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"QueueFM/core/audio"
	"QueueFM/core/preload"
	"QueueFM/core/queue"
	"QueueFM/core/source"
	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/model"
	"QueueFM/repository"
)

var (
	// ErrNoNextTrack is returned when a skip could not advance.
	ErrNoNextTrack = errors.New("no next track")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("play cycle already running")

	errSkipped = errors.New("skipped")
	errCut     = errors.New("fallback interrupted by queue add")
)

const archiveTimeout = 5 * time.Minute

// ToastKind is the severity of a user facing notice.
type ToastKind string

const (
	ToastError ToastKind = "error"
	ToastInfo  ToastKind = "info"
)

// Listener receives the engine's outward notifications.
type Listener interface {
	TrackChanged(t *model.Track)
	Toast(kind ToastKind, message string)
}

// Queue is the part of the queue store the engine consumes.
type Queue interface {
	PeekNext() *model.QueueItem
	PopNext(ctx context.Context, expectID string) (*model.QueueItem, error)
	Requeue(ctx context.Context, item *model.QueueItem) error
	Remove(ctx context.Context, id string) (*model.QueueItem, error)
	Contains(id string) bool
	Len() int
}

// Sink streams one local file. Play blocks until the file ended, ctx was
// cancelled (returning ctx.Err()) or the stream failed.
type Sink interface {
	Play(ctx context.Context, file string) error
}

// Archiver stores kept audio files.
type Archiver interface {
	Archive(ctx context.Context, sourceID, file string) (string, error)
}

// Options wires an Engine. Preload, History, Archiver and Library may be nil.
type Options struct {
	Queue      Queue
	Preparer   preload.Preparer
	Preload    *preload.Cache
	Sink       Sink
	History    repository.HistoryRepository
	Archiver   Archiver
	Library    *Library
	KeepFiles  func() bool
	RetryLimit int
	RetryDelay time.Duration
	Listener   Listener
}

// selection is what the loop decided to play next.
type selection struct {
	item     *model.QueueItem // nil for fallback tracks
	file     string
	duration *int
	fallback bool
}

// Engine 播放引擎，同一时间只推一路流
type Engine struct {
	opts     Options
	failures *FailureTracker

	track atomic.Pointer[model.Track]

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelCauseFunc
	current   *selection
	streaming bool
	ready     *selection
	readyGen  uint64

	wake    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

func NewEngine(opts Options) *Engine {
	if opts.KeepFiles == nil {
		opts.KeepFiles = func() bool { return false }
	}
	return &Engine{
		opts:     opts,
		failures: NewFailureTracker(opts.RetryLimit),
		wake:     make(chan struct{}, 1),
	}
}

// Current returns the published track or nil.
func (e *Engine) Current() *model.Track {
	t := e.track.Load()
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SetListener replaces the listener. Call it before Run.
func (e *Engine) SetListener(l Listener) {
	e.opts.Listener = l
}

// Failures exposes the retry bookkeeping.
func (e *Engine) Failures() *FailureTracker {
	return e.failures
}

// HasNext reports whether a skip could advance to another track.
func (e *Engine) HasNext() bool {
	if e.opts.Queue.Len() > 0 {
		return true
	}
	return e.opts.Library != nil && e.opts.Library.Len() > 0
}

// Skip ends the track being prepared or streamed. It reports whether
// anything was interrupted.
func (e *Engine) Skip() bool {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(errSkipped)
	return true
}

// QueueChanged is the queue observer of the engine.
func (e *Engine) QueueChanged(c queue.Change) {
	switch c.Kind {
	case queue.ChangeEnriched, queue.ChangeConsumed:
		return
	}

	e.mu.Lock()
	var dropped *selection
	if c.Kind != queue.ChangeAdded || (e.ready != nil && e.ready.fallback) {
		dropped = e.ready
		e.ready = nil
		e.readyGen++
	}
	var cut context.CancelCauseFunc
	if c.Kind == queue.ChangeAdded && e.streaming && e.current != nil && e.current.fallback {
		cut = e.cancel
	}
	refill := e.streaming && cut == nil && e.ctx != nil && e.ctx.Err() == nil
	gen := e.readyGen
	ctx := e.ctx
	if refill {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if dropped != nil {
		e.discard(dropped)
	}
	if e.opts.Preload != nil && (c.Kind == queue.ChangeRemoved || c.Kind == queue.ChangeReordered) {
		e.opts.Preload.InvalidateAll()
	}
	if cut != nil {
		logger.Info("queue add interrupts fallback track", logger.Component("player"))
		cut(errCut)
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
	if refill {
		go e.prepareNext(ctx, gen)
	}
}

// Run drives the play cycle until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	logger.Info("play cycle started", logger.Component("player"))
	for ctx.Err() == nil {
		sel := e.selectNext(ctx)
		if sel == nil {
			continue
		}
		e.play(ctx, sel)
	}

	e.mu.Lock()
	ready := e.ready
	e.ready = nil
	e.readyGen++
	e.mu.Unlock()
	e.wg.Wait()
	if ready != nil {
		e.discard(ready)
	}
	e.publish(nil)
	logger.Info("play cycle stopped", logger.Component("player"))
	return nil
}

func (e *Engine) selectNext(ctx context.Context) *selection {
	for ctx.Err() == nil {
		head := e.opts.Queue.PeekNext()
		if sel := e.takeReady(head); sel != nil {
			logger.Debug("using ready slot", logger.Component("player"))
			return sel
		}

		if head != nil {
			if e.opts.Preload != nil {
				if en := e.opts.Preload.Take(head.ID); en != nil {
					logger.Info("using preloaded track", logger.Component("player"), logger.String("title", en.Item.DisplayName()))
					return &selection{item: en.Item, file: en.File, duration: en.DurationSeconds}
				}
			}
			return e.prepareFresh(ctx, head)
		}

		if sel := e.pickFallback(ctx); sel != nil {
			return sel
		}

		e.publish(nil)
		logger.Info("queue empty, waiting for tracks", logger.Component("player"))
		select {
		case <-ctx.Done():
		case <-e.wake:
		}
	}
	return nil
}

func (e *Engine) pickFallback(ctx context.Context) *selection {
	if e.opts.Library == nil {
		return nil
	}
	file := e.opts.Library.Pick()
	if file == "" {
		return nil
	}
	return &selection{fallback: true, file: file, duration: e.opts.Library.Duration(ctx, file)}
}

// takeReady consumes the ready slot if it still matches what would play.
func (e *Engine) takeReady(head *model.QueueItem) *selection {
	e.mu.Lock()
	sel := e.ready
	e.ready = nil
	e.mu.Unlock()
	if sel == nil {
		return nil
	}
	switch {
	case sel.fallback && head == nil:
		return sel
	case !sel.fallback && head != nil && head.ID == sel.item.ID:
		return sel
	}
	e.discard(sel)
	return nil
}

// prepareFresh downloads the head while the loop waits. The track is
// published with StartedAt 0 so clients can show it as loading.
func (e *Engine) prepareFresh(ctx context.Context, head *model.QueueItem) *selection {
	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.publish(&model.Track{
		ID:        head.ID,
		SourceID:  head.SourceID,
		Title:     head.Title,
		Thumbnail: head.Thumbnail,
	})
	logger.Info("downloading", logger.Component("player"), logger.String("title", head.DisplayName()))

	entry, err := e.opts.Preparer.Prepare(pctx, head)

	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()

	// a skip wins even when the download finished at the same moment
	if errors.Is(context.Cause(pctx), errSkipped) {
		logger.Info("skipped while preparing", logger.Component("player"), logger.String("title", head.DisplayName()))
		if err == nil {
			e.discard(&selection{item: entry.Item, file: entry.File})
		}
		if _, perr := e.opts.Queue.PopNext(ctx, head.ID); perr != nil && !errors.Is(perr, queue.ErrHeadChanged) {
			logger.Warn("failed to drop skipped item", logger.Component("player"), logger.ErrorField(perr))
		}
		if e.opts.Preload != nil {
			if en := e.opts.Preload.Take(head.ID); en != nil {
				e.discard(&selection{item: en.Item, file: en.File})
			}
		}
		e.publish(nil)
		return nil
	}
	if err == nil {
		return &selection{item: entry.Item, file: entry.File, duration: entry.DurationSeconds}
	}
	if ctx.Err() != nil {
		return nil
	}

	stage := metrics.StageDownload
	if !errors.Is(err, source.ErrDownloadFailed) {
		stage = metrics.StageMetadata
	}
	e.publish(nil)
	e.failed(ctx, head, stage, err, false)
	return nil
}

func (e *Engine) play(ctx context.Context, sel *selection) {
	if sel.item != nil {
		popped, err := e.opts.Queue.PopNext(ctx, sel.item.ID)
		if err != nil || popped == nil {
			logger.Info("queue head changed while preparing, discarding",
				logger.Component("player"),
				logger.String("title", sel.item.DisplayName()))
			e.discard(sel)
			return
		}
		if e.opts.Preload != nil {
			if dup := e.opts.Preload.Take(popped.ID); dup != nil {
				e.discard(&selection{item: dup.Item, file: dup.File})
			}
		}
		if popped.Title == nil {
			popped.Title = sel.item.Title
		}
		if popped.Thumbnail == nil {
			popped.Thumbnail = sel.item.Thumbnail
		}
		sel.item = popped
	}

	pctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.mu.Lock()
	e.cancel = cancel
	e.current = sel
	e.streaming = true
	e.readyGen++
	gen := e.readyGen
	e.wg.Add(1)
	e.mu.Unlock()

	track := e.trackOf(sel)
	e.publish(track)
	logger.Info("streaming",
		logger.Component("player"),
		logger.String("title", *track.Title),
		logger.Bool("fallback", sel.fallback))

	go e.prepareNext(ctx, gen)

	err := e.opts.Sink.Play(pctx, sel.file)

	e.mu.Lock()
	e.cancel = nil
	e.current = nil
	e.streaming = false
	e.mu.Unlock()

	e.finish(ctx, pctx, sel, err)
}

func (e *Engine) finish(ctx, pctx context.Context, sel *selection, err error) {
	defer e.publish(nil)
	origin := "queue"
	if sel.fallback {
		origin = "fallback"
	}

	cause := context.Cause(pctx)
	interrupted := errors.Is(cause, errSkipped) || errors.Is(cause, errCut)

	switch {
	case err == nil, errors.Is(err, context.Canceled) && interrupted:
		metrics.TracksPlayed.WithLabelValues(origin).Inc()
		if sel.item != nil {
			e.failures.Clear(sel.item.SourceID)
			e.recordHistory(ctx, sel)
		}
		e.release(sel)

	case ctx.Err() != nil:
		// shutdown mid-track, resume it on the next start
		e.release(sel)
		if sel.item != nil {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if rerr := e.opts.Queue.Requeue(rctx, sel.item); rerr != nil {
				logger.Warn("failed to requeue interrupted track", logger.Component("player"), logger.ErrorField(rerr))
			}
			cancel()
		}

	case errors.Is(err, audio.ErrEncoderUnavailable):
		metrics.TrackFailures.WithLabelValues(metrics.StageEncoder).Inc()
		logger.Error("stream output unavailable", logger.Component("player"), logger.ErrorField(err))
		e.toast(ToastError, "Stream unavailable, retrying")
		e.release(sel)
		if sel.item != nil {
			if rerr := e.opts.Queue.Requeue(ctx, sel.item); rerr != nil {
				logger.Warn("failed to requeue track", logger.Component("player"), logger.ErrorField(rerr))
			}
		}
		sleepCtx(ctx, e.opts.RetryDelay)

	default:
		e.release(sel)
		if sel.item == nil {
			metrics.TrackFailures.WithLabelValues(metrics.StageDecode).Inc()
			logger.Warn("fallback track failed", logger.Component("player"), logger.String("file", sel.file), logger.ErrorField(err))
			sleepCtx(ctx, e.opts.RetryDelay)
			return
		}
		e.failed(ctx, sel.item, metrics.StageDecode, err, true)
	}
}

// failed applies the retry policy to item. A popped item below the limit
// goes back to the head of the queue; an item at the limit is dropped.
func (e *Engine) failed(ctx context.Context, item *model.QueueItem, stage string, err error, popped bool) {
	metrics.TrackFailures.WithLabelValues(stage).Inc()
	count, exhausted := e.failures.Fail(item.SourceID)
	logger.Warn("track failed",
		logger.Component("player"),
		logger.String("title", item.DisplayName()),
		logger.String("stage", stage),
		logger.Int("attempt", count),
		logger.ErrorField(err))

	if exhausted {
		if !popped {
			if _, rerr := e.opts.Queue.Remove(ctx, item.ID); rerr != nil && !errors.Is(rerr, queue.ErrNotFound) {
				logger.Warn("failed to drop track", logger.Component("player"), logger.ErrorField(rerr))
			}
		}
		metrics.TracksDropped.Inc()
		e.toast(ToastError, fmt.Sprintf("%q removed after %d failed attempts", item.DisplayName(), count))
	} else {
		if popped {
			if rerr := e.opts.Queue.Requeue(ctx, item); rerr != nil {
				logger.Warn("failed to requeue track", logger.Component("player"), logger.ErrorField(rerr))
			}
		}
		e.toast(ToastError, fmt.Sprintf("Playback error for %q, retrying", item.DisplayName()))
	}
	sleepCtx(ctx, e.opts.RetryDelay)
}

// prepareNext fills the preload cache and moves whatever would play next
// into the ready slot. gen ties the result to the queue state it saw.
func (e *Engine) prepareNext(ctx context.Context, gen uint64) {
	defer e.wg.Done()
	if e.opts.Preload != nil {
		e.opts.Preload.Fill(ctx, "")
	}
	if ctx.Err() != nil || !e.readyValid(gen) {
		return
	}

	var sel *selection
	if head := e.opts.Queue.PeekNext(); head != nil {
		if e.opts.Preload == nil {
			return
		}
		en := e.opts.Preload.Take(head.ID)
		if en == nil {
			return
		}
		sel = &selection{item: en.Item, file: en.File, duration: en.DurationSeconds}
	} else if sel = e.pickFallback(ctx); sel == nil {
		return
	}

	e.mu.Lock()
	if gen != e.readyGen || e.ready != nil {
		e.mu.Unlock()
		e.discard(sel)
		return
	}
	e.ready = sel
	e.mu.Unlock()
}

func (e *Engine) readyValid(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.readyGen && e.ready == nil
}

func (e *Engine) recordHistory(ctx context.Context, sel *selection) {
	if e.opts.History == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := e.opts.History.Record(hctx, &model.PlayedHistory{
		SourceID:        sel.item.SourceID,
		Title:           sel.item.Title,
		Thumbnail:       sel.item.Thumbnail,
		DurationSeconds: sel.duration,
		PlayedAt:        time.Now(),
	})
	if err != nil {
		logger.Warn("failed to record history", logger.Component("player"), logger.ErrorField(err))
	}
}

// release disposes of a played file: fallback files stay, kept files are
// archived when an archiver is configured, everything else is deleted. A
// file still held elsewhere is left to its last holder.
func (e *Engine) release(sel *selection) {
	if sel.fallback || !e.opts.Preparer.Release(sel.item.ID) {
		return
	}
	if !e.opts.KeepFiles() {
		if err := source.Cleanup(sel.file); err != nil {
			logger.Warn("cleanup failed", logger.Component("player"), logger.ErrorField(err))
		}
		return
	}
	if e.opts.Archiver == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		key, err := e.opts.Archiver.Archive(ctx, sel.item.SourceID, sel.file)
		if err != nil {
			logger.Warn("archive failed", logger.Component("player"), logger.ErrorField(err))
			return
		}
		logger.Info("archived", logger.Component("player"), logger.String("key", key))
	}()
}

// discard drops a prepared but unplayed selection.
func (e *Engine) discard(sel *selection) {
	if sel.fallback || !e.opts.Preparer.Release(sel.item.ID) || e.opts.KeepFiles() {
		return
	}
	if err := source.Cleanup(sel.file); err != nil {
		logger.Warn("cleanup failed", logger.Component("player"), logger.ErrorField(err))
	}
}

func (e *Engine) trackOf(sel *selection) *model.Track {
	if sel.fallback {
		return &model.Track{
			ID:              "fallback:" + Title(sel.file),
			Title:           model.StringPtr(Title(sel.file)),
			DurationSeconds: sel.duration,
			StartedAt:       time.Now().UnixMilli(),
			Fallback:        true,
		}
	}
	title := sel.item.DisplayName()
	return &model.Track{
		ID:              sel.item.ID,
		SourceID:        sel.item.SourceID,
		Title:           &title,
		Thumbnail:       sel.item.Thumbnail,
		DurationSeconds: sel.duration,
		StartedAt:       time.Now().UnixMilli(),
	}
}

// publish stores t and tells the listener, skipping repeated nils.
func (e *Engine) publish(t *model.Track) {
	prev := e.track.Swap(t)
	if t == nil && prev == nil {
		return
	}
	if e.opts.Listener == nil {
		return
	}
	if t == nil {
		e.opts.Listener.TrackChanged(nil)
		return
	}
	c := *t
	e.opts.Listener.TrackChanged(&c)
}

func (e *Engine) toast(kind ToastKind, msg string) {
	if e.opts.Listener != nil {
		e.opts.Listener.Toast(kind, msg)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
