package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"QueueFM/core/audio"
	"QueueFM/core/preload"
	"QueueFM/core/queue"
	"QueueFM/core/source"
	"QueueFM/model"
	"QueueFM/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePreparer struct {
	dir string

	mu    sync.Mutex
	fail  map[string]int // remaining failures per source id
	calls map[string]int
}

func newFakePreparer(t *testing.T) *fakePreparer {
	return &fakePreparer{dir: t.TempDir(), fail: map[string]int{}, calls: map[string]int{}}
}

func (p *fakePreparer) Prepare(ctx context.Context, item *model.QueueItem) (*preload.Entry, error) {
	p.mu.Lock()
	p.calls[item.SourceID]++
	if p.fail[item.SourceID] > 0 {
		p.fail[item.SourceID]--
		p.mu.Unlock()
		return nil, &source.DownloadError{SourceID: item.SourceID, Reason: "no file"}
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file := filepath.Join(p.dir, item.SourceID+".m4a")
	if err := os.WriteFile(file, []byte("audio"), 0o644); err != nil {
		return nil, err
	}
	d := 180
	return &preload.Entry{Item: item.Clone(), File: file, DurationSeconds: &d}, nil
}

func (p *fakePreparer) Release(string) bool { return true }

func (p *fakePreparer) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeSink struct {
	hold  time.Duration
	block bool

	mu        sync.Mutex
	plays     []string
	missing   []string
	active    int
	maxActive int
	errs      map[string][]error
	started   chan string
}

func newFakeSink() *fakeSink {
	return &fakeSink{hold: 5 * time.Millisecond, errs: map[string][]error{}, started: make(chan string, 64)}
}

func (s *fakeSink) Play(ctx context.Context, file string) error {
	s.mu.Lock()
	s.active++
	s.maxActive = max(s.maxActive, s.active)
	s.plays = append(s.plays, filepath.Base(file))
	if _, serr := os.Stat(file); serr != nil {
		s.missing = append(s.missing, filepath.Base(file))
	}
	var err error
	if q := s.errs[filepath.Base(file)]; len(q) > 0 {
		err, s.errs[filepath.Base(file)] = q[0], q[1:]
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	select {
	case s.started <- file:
	default:
	}
	if err != nil {
		return err
	}
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.hold):
		return nil
	}
}

func (s *fakeSink) played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.plays...)
}

func (s *fakeSink) missingFiles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.missing...)
}

type recorder struct {
	mu     sync.Mutex
	tracks []*model.Track
	toasts []string
}

func (r *recorder) TrackChanged(t *model.Track) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *recorder) Toast(kind ToastKind, msg string) {
	r.mu.Lock()
	r.toasts = append(r.toasts, string(kind)+": "+msg)
	r.mu.Unlock()
}

func (r *recorder) toastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.toasts)
}

type harness struct {
	store   *queue.Store
	prep    *fakePreparer
	sink    *fakeSink
	history *repository.MemoryHistoryRepository
	rec     *recorder
	engine  *Engine

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, mutate func(*harness, *Options)) *harness {
	t.Helper()
	h := &harness{
		store:   queue.NewStore(repository.NewMemoryQueueRepository(), nil, time.Second),
		prep:    newFakePreparer(t),
		sink:    newFakeSink(),
		history: repository.NewMemoryHistoryRepository(),
		rec:     &recorder{},
	}
	opts := Options{
		Queue:      h.store,
		Preparer:   h.prep,
		Sink:       h.sink,
		History:    h.history,
		RetryLimit: 2,
		Listener:   h.rec,
	}
	if mutate != nil {
		mutate(h, &opts)
	}
	h.engine = NewEngine(opts)
	h.store.Subscribe(h.engine.QueueChanged)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.engine.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func ytURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func (h *harness) add(t *testing.T, id string) *model.QueueItem {
	t.Helper()
	item, err := h.store.Enqueue(context.Background(), ytURL(id), "tester", queue.Hints{Title: model.StringPtr("song " + id)})
	require.NoError(t, err)
	return item
}

func (h *harness) historyIDs(t *testing.T) []string {
	t.Helper()
	recent, err := h.history.Recent(context.Background(), 100)
	require.NoError(t, err)
	ids := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		ids = append(ids, recent[i].SourceID)
	}
	return ids
}

func TestEngine_PlaysQueueInOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "aaaaaaaaaaa")
	h.add(t, "bbbbbbbbbbb")
	h.add(t, "ccccccccccc")
	h.start()

	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 3 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	assert.Equal(t, []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"}, h.historyIDs(t))
	assert.Equal(t, []string{"aaaaaaaaaaa.m4a", "bbbbbbbbbbb.m4a", "ccccccccccc.m4a"}, h.sink.played())
	assert.Equal(t, 0, h.store.Len())
	assert.Nil(t, h.engine.Current())

	for _, id := range []string{"aaaaaaaaaaa", "bbbbbbbbbbb", "ccccccccccc"} {
		_, err := os.Stat(filepath.Join(h.prep.dir, id+".m4a"))
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s should be deleted", id)
	}
}

func TestEngine_PublishesPreparingThenStarted(t *testing.T) {
	h := newHarness(t, nil)
	h.add(t, "aaaaaaaaaaa")
	h.start()
	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	require.GreaterOrEqual(t, len(h.rec.tracks), 3)
	assert.True(t, h.rec.tracks[0].Preparing())
	assert.False(t, h.rec.tracks[1].Preparing())
	assert.Equal(t, "song aaaaaaaaaaa", *h.rec.tracks[1].Title)
	assert.Equal(t, 180, *h.rec.tracks[1].DurationSeconds)
	assert.Nil(t, h.rec.tracks[len(h.rec.tracks)-1])
}

func TestEngine_RetryBoundDropsItem(t *testing.T) {
	h := newHarness(t, nil)
	h.prep.fail["aaaaaaaaaaa"] = 10
	h.add(t, "aaaaaaaaaaa")
	h.add(t, "bbbbbbbbbbb")
	h.start()

	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	assert.Equal(t, 2, h.prep.callsFor("aaaaaaaaaaa"), "attempted exactly K times")
	assert.Equal(t, []string{"bbbbbbbbbbb"}, h.historyIDs(t))
	assert.Equal(t, 0, h.engine.Failures().Count("aaaaaaaaaaa"))
	assert.Equal(t, 2, h.rec.toastCount())
}

func TestEngine_DecodeFailureRequeuesThenSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.errs["aaaaaaaaaaa.m4a"] = []error{fmt.Errorf("%w: corrupt", audio.ErrDecodeFailed)}
	h.add(t, "aaaaaaaaaaa")
	h.add(t, "bbbbbbbbbbb")
	h.start()

	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 2 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	assert.Equal(t, []string{"aaaaaaaaaaa.m4a", "aaaaaaaaaaa.m4a", "bbbbbbbbbbb.m4a"}, h.sink.played())
	assert.Equal(t, []string{"aaaaaaaaaaa", "bbbbbbbbbbb"}, h.historyIDs(t))
	assert.Equal(t, 0, h.engine.Failures().Count("aaaaaaaaaaa"), "success clears the counter")
}

func TestEngine_DecodeFailureAtLimitDrops(t *testing.T) {
	h := newHarness(t, nil)
	decodeErr := fmt.Errorf("%w: corrupt", audio.ErrDecodeFailed)
	h.sink.errs["aaaaaaaaaaa.m4a"] = []error{decodeErr, decodeErr, decodeErr}
	h.add(t, "aaaaaaaaaaa")
	h.start()

	require.Eventually(t, func() bool { return h.rec.toastCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.store.Len() == 0 }, time.Second, 5*time.Millisecond)
	h.stop(t)

	assert.Len(t, h.sink.played(), 2)
	assert.Empty(t, h.historyIDs(t))
}

func TestEngine_SkipAdvances(t *testing.T) {
	h := newHarness(t, nil)
	h.sink.block = true
	h.add(t, "aaaaaaaaaaa")
	h.add(t, "bbbbbbbbbbb")
	h.start()

	<-h.sink.started
	assert.True(t, h.engine.HasNext())
	assert.True(t, h.engine.Skip())

	<-h.sink.started
	assert.False(t, h.engine.HasNext())
	h.stop(t)

	assert.Equal(t, []string{"aaaaaaaaaaa.m4a", "bbbbbbbbbbb.m4a"}, h.sink.played())
	assert.Equal(t, []string{"aaaaaaaaaaa"}, h.historyIDs(t), "skipped tracks are recorded, interrupted ones are not")
	// shutdown mid-track puts the item back
	assert.Equal(t, 1, h.store.Len())
}

func TestEngine_AtMostOneStream(t *testing.T) {
	h := newHarness(t, func(h *harness, o *Options) {
		o.Preload = preload.NewCache(3, h.store, h.prep, nil)
	})
	h.sink.hold = 2 * time.Millisecond

	for i := range 12 {
		h.add(t, fmt.Sprintf("track%06d", i))
	}
	h.start()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.engine.Skip()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	// items skipped while preparing never reach the sink
	require.Eventually(t, func() bool {
		return h.store.Len() == 0 && h.engine.Current() == nil
	}, 5*time.Second, 5*time.Millisecond)
	close(stop)
	wg.Wait()
	h.stop(t)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.NotEmpty(t, h.sink.plays)
	assert.Equal(t, 1, h.sink.maxActive)
}

func TestEngine_FallbackLibrary(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one.mp3", "two.mp3"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	lib := NewLibrary(dir, nil)
	require.NoError(t, lib.Scan())

	h := newHarness(t, func(_ *harness, o *Options) { o.Library = lib })
	h.sink.block = true
	h.start()

	first := <-h.sink.started
	assert.Equal(t, dir, filepath.Dir(first))
	cur := h.engine.Current()
	require.NotNil(t, cur)
	assert.True(t, cur.Fallback)

	// a queue add cuts the fallback track
	h.add(t, "aaaaaaaaaaa")
	var next string
	for next = range h.sink.started {
		if filepath.Base(next) == "aaaaaaaaaaa.m4a" {
			break
		}
	}
	cur = h.engine.Current()
	require.NotNil(t, cur)
	assert.False(t, cur.Fallback)
	assert.True(t, h.engine.Skip())

	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	assert.Equal(t, []string{"aaaaaaaaaaa"}, h.historyIDs(t), "fallback tracks are not recorded")
	for _, name := range []string{"one.mp3", "two.mp3"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "library files are never deleted")
	}
}

func TestEngine_KeepFiles(t *testing.T) {
	h := newHarness(t, func(_ *harness, o *Options) { o.KeepFiles = func() bool { return true } })
	h.add(t, "aaaaaaaaaaa")
	h.start()
	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	_, err := os.Stat(filepath.Join(h.prep.dir, "aaaaaaaaaaa.m4a"))
	assert.NoError(t, err)
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
}

func (a *fakeArchiver) Archive(_ context.Context, sourceID, file string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := sourceID + "/" + filepath.Base(file)
	a.keys = append(a.keys, key)
	return key, nil
}

func TestEngine_ArchivesKeptFiles(t *testing.T) {
	arch := &fakeArchiver{}
	h := newHarness(t, func(_ *harness, o *Options) {
		o.KeepFiles = func() bool { return true }
		o.Archiver = arch
	})
	h.add(t, "aaaaaaaaaaa")
	h.start()
	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)

	arch.mu.Lock()
	defer arch.mu.Unlock()
	assert.Equal(t, []string{"aaaaaaaaaaa/aaaaaaaaaaa.m4a"}, arch.keys)
}

func TestEngine_IdleWakesOnAdd(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, h.engine.Current())
	assert.False(t, h.engine.HasNext())
	assert.False(t, h.engine.Skip())

	h.add(t, "aaaaaaaaaaa")
	require.Eventually(t, func() bool { return len(h.historyIDs(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	h.stop(t)
}

func TestEngine_RunTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	require.Eventually(t, func() bool { return h.engine.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrAlreadyRunning)
	h.stop(t)
}

func TestFailureTracker(t *testing.T) {
	f := NewFailureTracker(2)
	n, out := f.Fail("x")
	assert.Equal(t, 1, n)
	assert.False(t, out)
	n, out = f.Fail("x")
	assert.Equal(t, 2, n)
	assert.True(t, out)
	assert.Equal(t, 0, f.Count("x"))

	f.Fail("y")
	f.Clear("y")
	assert.Equal(t, 0, f.Count("y"))
	assert.Equal(t, 1, NewFailureTracker(0).Limit())
}

type staticInfo struct{}

func (staticInfo) FetchInfo(context.Context, string) source.Info {
	d := 200
	return source.Info{DurationSeconds: &d}
}

// gatedExtractor writes "Song <tag>.m4a" for every download. Downloads of a
// gated url wait until the gate is closed.
type gatedExtractor struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	downloads map[string]int
}

func newGatedExtractor() *gatedExtractor {
	return &gatedExtractor{gates: map[string]chan struct{}{}, downloads: map[string]int{}}
}

func (x *gatedExtractor) gate(url string) chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch := make(chan struct{})
	x.gates[url] = ch
	return ch
}

func (x *gatedExtractor) downloadsOf(url string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.downloads[url]
}

func (x *gatedExtractor) Print(context.Context, string, string) (string, error) {
	return "", errors.New("no metadata")
}

func (x *gatedExtractor) FlatSearch(context.Context, string, int, string) (string, error) {
	return "", errors.New("no search")
}

func (x *gatedExtractor) Download(ctx context.Context, url, output string) error {
	x.mu.Lock()
	x.downloads[url]++
	gate := x.gates[url]
	x.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	name := strings.ReplaceAll(output, "%(title).80s", "Song")
	name = strings.ReplaceAll(name, "%(ext)s", "m4a")
	return os.WriteFile(name, []byte("audio"), 0o644)
}

type fetchHarness struct {
	*harness
	ext  *gatedExtractor
	prep *Preparer
	dir  string
}

// newFetchHarness runs the engine on the real Preparer, Fetcher and preload
// cache, so the preload and the playback loop share downloads.
func newFetchHarness(t *testing.T, capacity int) *fetchHarness {
	t.Helper()
	f := &fetchHarness{ext: newGatedExtractor(), dir: t.TempDir()}
	f.prep = NewPreparer(staticInfo{}, source.NewFetcher(f.ext, f.dir, 5*time.Second), nil)
	f.harness = newHarness(t, func(h *harness, o *Options) {
		o.Preparer = f.prep
		o.Preload = preload.NewCache(capacity, h.store, f.prep, nil)
	})
	f.sink.block = true
	return f
}

func (f *fetchHarness) fileOf(item *model.QueueItem) string {
	return filepath.Join(f.dir, "Song "+source.FileTag(item.SourceID, item.ID)+".m4a")
}

func (f *fetchHarness) preparing(id string) func() bool {
	return func() bool {
		cur := f.engine.Current()
		return cur != nil && cur.ID == id && cur.Preparing()
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestEngine_SharedDownloadSurvivesInvalidation(t *testing.T) {
	f := newFetchHarness(t, 3)
	f.add(t, "aaaaaaaaaaa")
	b := f.add(t, "bbbbbbbbbbb")
	c := f.add(t, "ccccccccccc")
	gate := f.ext.gate(ytURL("bbbbbbbbbbb"))
	f.start()

	<-f.sink.started
	// the preload is now holding B's download open
	require.Eventually(t, func() bool { return f.ext.downloadsOf(ytURL("bbbbbbbbbbb")) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.engine.Skip())
	require.Eventually(t, f.preparing(b.ID), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.prep.Holders(b.ID) == 2 }, 2*time.Second, 5*time.Millisecond)

	// removing another item invalidates the preload while B downloads
	_, err := f.store.Remove(context.Background(), c.ID)
	require.NoError(t, err)
	close(gate)

	played := <-f.sink.started
	assert.Equal(t, f.fileOf(b), played)
	f.stop(t)

	assert.Empty(t, f.sink.missingFiles())
	assert.Equal(t, 1, f.ext.downloadsOf(ytURL("bbbbbbbbbbb")), "one download served both")
	assert.Equal(t, 0, f.prep.Holders(b.ID))
	assert.False(t, fileExists(f.fileOf(b)), "the last holder deletes the file")
}

func TestEngine_SkipWhileDownloadIsSharedMovesOn(t *testing.T) {
	f := newFetchHarness(t, 3)
	f.add(t, "aaaaaaaaaaa")
	b := f.add(t, "bbbbbbbbbbb")
	c := f.add(t, "ccccccccccc")
	gate := f.ext.gate(ytURL("bbbbbbbbbbb"))
	f.start()

	<-f.sink.started
	require.Eventually(t, func() bool { return f.ext.downloadsOf(ytURL("bbbbbbbbbbb")) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.engine.Skip())
	require.Eventually(t, f.preparing(b.ID), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.prep.Holders(b.ID) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.engine.Skip())

	// C starts while B's download is still running
	played := <-f.sink.started
	assert.Equal(t, f.fileOf(c), played)
	assert.False(t, f.store.Contains(b.ID))

	close(gate)
	require.Eventually(t, func() bool {
		return f.prep.Holders(b.ID) == 0 && !fileExists(f.fileOf(b))
	}, 2*time.Second, 5*time.Millisecond)
	f.stop(t)

	for _, name := range f.sink.played() {
		assert.NotEqual(t, filepath.Base(f.fileOf(b)), name)
	}
	assert.Empty(t, f.sink.missingFiles())
}

func TestEngine_DuplicateItemsPlayTheirOwnFiles(t *testing.T) {
	f := newFetchHarness(t, 2)
	first := f.add(t, "aaaaaaaaaaa")
	second := f.add(t, "aaaaaaaaaaa")
	f.start()

	played := <-f.sink.started
	assert.Equal(t, f.fileOf(first), played)
	// the second copy is preloaded into its own file
	require.Eventually(t, func() bool { return fileExists(f.fileOf(second)) }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.engine.Skip())

	played = <-f.sink.started
	assert.Equal(t, f.fileOf(second), played)
	f.stop(t)

	assert.Empty(t, f.sink.missingFiles())
	assert.Equal(t, []string{"aaaaaaaaaaa"}, f.historyIDs(t))
	assert.False(t, fileExists(f.fileOf(first)))
}

func TestPreparer_HoldsUntilLastRelease(t *testing.T) {
	x := newGatedExtractor()
	dir := t.TempDir()
	p := NewPreparer(staticInfo{}, source.NewFetcher(x, dir, time.Second), nil)
	item := &model.QueueItem{ID: "item-1", SourceID: "aaaaaaaaaaa", SourceURL: ytURL("aaaaaaaaaaa")}
	gate := x.gate(item.SourceURL)

	results := make(chan *preload.Entry, 2)
	for range 2 {
		go func() {
			e, err := p.Prepare(context.Background(), item)
			assert.NoError(t, err)
			results <- e
		}()
	}
	require.Eventually(t, func() bool { return p.Holders(item.ID) == 2 }, time.Second, time.Millisecond)
	close(gate)
	a, b := <-results, <-results

	assert.Equal(t, a.File, b.File)
	assert.Equal(t, 1, x.downloadsOf(item.SourceURL))
	assert.False(t, p.Release(item.ID))
	assert.True(t, p.Release(item.ID))
	assert.Equal(t, 0, p.Holders(item.ID))
}

func TestPreparer_CancelledCallerStopsWaiting(t *testing.T) {
	x := newGatedExtractor()
	dir := t.TempDir()
	p := NewPreparer(staticInfo{}, source.NewFetcher(x, dir, time.Second), nil)
	item := &model.QueueItem{ID: "item-1", SourceID: "aaaaaaaaaaa", SourceURL: ytURL("aaaaaaaaaaa")}
	gate := x.gate(item.SourceURL)

	owner := make(chan *preload.Entry, 1)
	go func() {
		e, err := p.Prepare(context.Background(), item)
		assert.NoError(t, err)
		owner <- e
	}()
	require.Eventually(t, func() bool { return x.downloadsOf(item.SourceURL) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Prepare(ctx, item)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	e := <-owner
	require.Eventually(t, func() bool { return p.Holders(item.ID) == 1 }, time.Second, time.Millisecond)
	assert.True(t, fileExists(e.File), "the remaining holder keeps the file")
	assert.True(t, p.Release(item.ID))
}
