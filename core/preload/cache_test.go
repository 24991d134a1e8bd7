package preload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"QueueFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeQueue struct {
	mu    sync.Mutex
	items []*model.QueueItem
}

func newFakeQueue(ids ...string) *fakeQueue {
	q := &fakeQueue{}
	for i, id := range ids {
		q.items = append(q.items, &model.QueueItem{ID: id, SourceID: id, Position: i + 1})
	}
	return q
}

func (q *fakeQueue) List() []*model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*model.QueueItem, len(q.items))
	for i, it := range q.items {
		out[i] = it.Clone()
	}
	return out
}

func (q *fakeQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.ID == id {
			return true
		}
	}
	return false
}

func (q *fakeQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

type fakePreparer struct {
	dir  string
	fail map[string]bool
	// hook runs after the file was written, before Prepare returns
	hook func(item *model.QueueItem)
	// shared items have another holder, so Release never hands them over
	shared map[string]bool

	mu       sync.Mutex
	calls    []string
	released []string
}

func (p *fakePreparer) Release(itemID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, itemID)
	return !p.shared[itemID]
}

func (p *fakePreparer) Prepare(ctx context.Context, item *model.QueueItem) (*Entry, error) {
	p.mu.Lock()
	p.calls = append(p.calls, item.ID)
	p.mu.Unlock()

	if p.fail[item.ID] {
		return nil, errors.New("download failed")
	}
	file := filepath.Join(p.dir, item.ID+".webm")
	if err := os.WriteFile(file, []byte("audio"), 0644); err != nil {
		return nil, err
	}
	if p.hook != nil {
		p.hook(item)
	}
	return &Entry{Item: item, File: file}, nil
}

func (p *fakePreparer) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestFill_RespectsCapacityAndExclude(t *testing.T) {
	q := newFakeQueue("a", "b", "c", "d")
	prep := &fakePreparer{dir: t.TempDir()}
	c := NewCache(2, q, prep, nil)

	c.Fill(context.Background(), "a")

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.False(t, c.Contains("d"))
}

func TestFill_SkipsFailures(t *testing.T) {
	q := newFakeQueue("a", "b", "c")
	prep := &fakePreparer{dir: t.TempDir(), fail: map[string]bool{"a": true}}
	c := NewCache(5, q, prep, nil)

	c.Fill(context.Background(), "")

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 3, prep.callCount(), "a failed item is tried once per fill")
}

func TestFill_DiscardsItemRemovedDuringDownload(t *testing.T) {
	q := newFakeQueue("a", "b")
	dir := t.TempDir()
	prep := &fakePreparer{dir: dir}
	prep.hook = func(item *model.QueueItem) {
		if item.ID == "a" {
			q.remove("a")
		}
	}
	c := NewCache(5, q, prep, nil)

	c.Fill(context.Background(), "")

	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.False(t, fileExists(filepath.Join(dir, "a.webm")), "discarded file must be deleted")
}

func TestFill_DiscardsAcrossInvalidation(t *testing.T) {
	q := newFakeQueue("a")
	dir := t.TempDir()
	prep := &fakePreparer{dir: dir}
	c := NewCache(5, q, prep, nil)
	prep.hook = func(*model.QueueItem) { c.InvalidateAll() }

	c.Fill(context.Background(), "")

	assert.Equal(t, 0, c.Len())
	assert.False(t, fileExists(filepath.Join(dir, "a.webm")))
}

func TestFill_SharedFileSurvivesDiscard(t *testing.T) {
	q := newFakeQueue("a", "b")
	dir := t.TempDir()
	prep := &fakePreparer{dir: dir, shared: map[string]bool{"a": true}}
	c := NewCache(5, q, prep, nil)
	prep.hook = func(item *model.QueueItem) {
		if item.ID == "a" {
			c.InvalidateAll()
		}
	}

	c.Fill(context.Background(), "")

	assert.False(t, c.Contains("a"))
	assert.True(t, fileExists(filepath.Join(dir, "a.webm")), "the other holder still needs it")
	prep.mu.Lock()
	assert.Equal(t, []string{"a"}, prep.released)
	prep.mu.Unlock()

	c.InvalidateAll()
	assert.False(t, fileExists(filepath.Join(dir, "b.webm")))
}

func TestFill_KeepFilesLeavesDiscardedFile(t *testing.T) {
	q := newFakeQueue("a")
	dir := t.TempDir()
	prep := &fakePreparer{dir: dir}
	prep.hook = func(*model.QueueItem) { q.remove("a") }
	c := NewCache(5, q, prep, func() bool { return true })

	c.Fill(context.Background(), "")

	assert.Equal(t, 0, c.Len())
	assert.True(t, fileExists(filepath.Join(dir, "a.webm")))
}

func TestFill_ReentrantCallIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := newFakeQueue("a", "b")
	release := make(chan struct{})
	entered := make(chan struct{})
	prep := &fakePreparer{dir: t.TempDir()}
	var once sync.Once
	prep.hook = func(*model.QueueItem) {
		once.Do(func() { close(entered) })
		<-release
	}
	c := NewCache(5, q, prep, nil)

	done := make(chan struct{})
	go func() {
		c.Fill(context.Background(), "")
		close(done)
	}()

	<-entered
	assert.True(t, c.Filling())
	c.Fill(context.Background(), "") // returns at once
	assert.Equal(t, 1, prep.callCount())

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fill did not finish")
	}
	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Filling())
}

func TestTake(t *testing.T) {
	q := newFakeQueue("a", "b")
	c := NewCache(5, q, &fakePreparer{dir: t.TempDir()}, nil)
	c.Fill(context.Background(), "")

	e := c.Take("a")
	require.NotNil(t, e)
	assert.Equal(t, "a", e.Item.ID)
	assert.True(t, fileExists(e.File), "taken files belong to the caller")
	assert.Nil(t, c.Take("a"))
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateAll(t *testing.T) {
	q := newFakeQueue("a", "b")
	dir := t.TempDir()
	c := NewCache(5, q, &fakePreparer{dir: dir}, nil)
	c.Fill(context.Background(), "")
	require.Equal(t, 2, c.Len())

	c.InvalidateAll()

	assert.Equal(t, 0, c.Len())
	assert.False(t, fileExists(filepath.Join(dir, "a.webm")))
	assert.False(t, fileExists(filepath.Join(dir, "b.webm")))
}

func TestFill_StopsOnCancel(t *testing.T) {
	q := newFakeQueue("a", "b", "c")
	prep := &fakePreparer{dir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	prep.hook = func(*model.QueueItem) { cancel() }
	c := NewCache(5, q, prep, nil)

	c.Fill(ctx, "")
	assert.Equal(t, 1, prep.callCount())
}
