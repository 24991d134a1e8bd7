package queue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"QueueFM/core/source"
	"QueueFM/model"
	"QueueFM/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeEnricher struct {
	info  source.Info
	delay time.Duration
}

func (f *fakeEnricher) FetchInfo(ctx context.Context, url string) source.Info {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.info
}

func ytURL(i int) string {
	return fmt.Sprintf("https://youtu.be/video%06d", i)
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) observe(c Change) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Kind
	}
	return out
}

func assertDense(t *testing.T, items []*model.QueueItem) {
	t.Helper()
	for i, it := range items {
		require.Equal(t, i+1, it.Position, "item %s at index %d", it.ID, i)
	}
}

func assertPersisted(t *testing.T, repo repository.QueueRepository, s *Store) {
	t.Helper()
	stored, err := repo.List(context.Background())
	require.NoError(t, err)
	live := s.List()
	require.Len(t, stored, len(live))
	for i := range live {
		assert.Equal(t, live[i].ID, stored[i].ID)
		assert.Equal(t, live[i].Position, stored[i].Position)
	}
}

func TestEnqueue(t *testing.T) {
	repo := repository.NewMemoryQueueRepository()
	s := NewStore(repo, nil, time.Second)
	rec := &recorder{}
	s.Subscribe(rec.observe)
	ctx := context.Background()

	item, err := s.Enqueue(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "alice", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "dQw4w9WgXcQ", item.SourceID)
	assert.Equal(t, 1, item.Position)
	assert.NotEmpty(t, item.ID)
	require.NotNil(t, item.Thumbnail)
	assert.Equal(t, source.Thumbnail("dQw4w9WgXcQ"), *item.Thumbnail)

	sc, err := s.Enqueue(ctx, "https://soundcloud.com/artist/track", "bob", Hints{Title: model.StringPtr("Hinted")})
	require.NoError(t, err)
	assert.Equal(t, 2, sc.Position)
	assert.Nil(t, sc.Thumbnail)
	assert.Equal(t, "Hinted", *sc.Title)

	_, err = s.Enqueue(ctx, "https://example.com/x", "bob", Hints{})
	assert.ErrorIs(t, err, ErrInvalidSource)

	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.CountBy("alice"))
	assert.True(t, s.Contains(item.ID))
	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeAdded}, rec.kinds())
	assertPersisted(t, repo, s)
}

func TestEnqueue_EnrichesInBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	enricher := &fakeEnricher{
		info: source.Info{
			Title:     model.StringPtr("Resolved"),
			Thumbnail: model.StringPtr("https://cdn/sc.jpg"),
		},
		delay: 50 * time.Millisecond,
	}
	repo := repository.NewMemoryQueueRepository()
	s := NewStore(repo, enricher, time.Second)
	rec := &recorder{}
	s.Subscribe(rec.observe)

	start := time.Now()
	item, err := s.Enqueue(context.Background(), "https://soundcloud.com/a/b", "u", Hints{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond, "enqueue must not wait for metadata")
	assert.Nil(t, item.Title)

	s.Wait()

	got := s.PeekNext()
	require.NotNil(t, got.Title)
	assert.Equal(t, "Resolved", *got.Title)
	assert.Equal(t, "https://cdn/sc.jpg", *got.Thumbnail)
	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeEnriched}, rec.kinds())

	stored, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Resolved", *stored[0].Title)
}

func TestEnqueue_EnrichmentAfterRemoveIsDropped(t *testing.T) {
	enricher := &fakeEnricher{info: source.Info{Title: model.StringPtr("late")}, delay: 30 * time.Millisecond}
	s := NewStore(repository.NewMemoryQueueRepository(), enricher, time.Second)
	rec := &recorder{}
	s.Subscribe(rec.observe)

	item, err := s.Enqueue(context.Background(), ytURL(1), "u", Hints{})
	require.NoError(t, err)
	_, err = s.Remove(context.Background(), item.ID)
	require.NoError(t, err)

	s.Wait()
	assert.Equal(t, []ChangeKind{ChangeAdded, ChangeRemoved}, rec.kinds())
}

func TestReorderClamps(t *testing.T) {
	s := NewStore(repository.NewMemoryQueueRepository(), nil, time.Second)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		it, err := s.Enqueue(ctx, ytURL(i), "u", Hints{})
		require.NoError(t, err)
		ids = append(ids, it.ID)
	}

	require.NoError(t, s.Reorder(ctx, ids[0], 99))
	list := s.List()
	assert.Equal(t, ids[0], list[3].ID)
	assertDense(t, list)

	require.NoError(t, s.Reorder(ctx, ids[0], -5))
	list = s.List()
	assert.Equal(t, ids[0], list[0].ID)
	assertDense(t, list)

	require.NoError(t, s.Reorder(ctx, ids[3], 2))
	list = s.List()
	assert.Equal(t, []string{ids[0], ids[3], ids[1], ids[2]},
		[]string{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

	assert.ErrorIs(t, s.Reorder(ctx, "missing", 1), ErrNotFound)
}

func TestPopNext(t *testing.T) {
	s := NewStore(repository.NewMemoryQueueRepository(), nil, time.Second)
	ctx := context.Background()

	got, err := s.PopNext(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)

	a, _ := s.Enqueue(ctx, ytURL(1), "u", Hints{})
	b, _ := s.Enqueue(ctx, ytURL(2), "u", Hints{})

	_, err = s.PopNext(ctx, b.ID)
	assert.ErrorIs(t, err, ErrHeadChanged)
	assert.Equal(t, 2, s.Len())

	got, err = s.PopNext(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	head := s.PeekNext()
	assert.Equal(t, b.ID, head.ID)
	assert.Equal(t, 1, head.Position)

	_, err = s.PopNext(ctx, a.ID)
	assert.ErrorIs(t, err, ErrHeadChanged)
}

func TestRequeue(t *testing.T) {
	repo := repository.NewMemoryQueueRepository()
	s := NewStore(repo, nil, time.Second)
	ctx := context.Background()

	a, _ := s.Enqueue(ctx, ytURL(1), "u", Hints{})
	b, _ := s.Enqueue(ctx, ytURL(2), "u", Hints{})

	popped, err := s.PopNext(ctx, "")
	require.NoError(t, err)
	require.NoError(t, s.Requeue(ctx, popped))
	require.NoError(t, s.Requeue(ctx, popped))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assertDense(t, list)
	assertPersisted(t, repo, s)
}

func TestLoadRepairsPositions(t *testing.T) {
	repo := repository.NewMemoryQueueRepository()
	ctx := context.Background()
	now := time.Now()
	for i, pos := range []int{3, 7, 10} {
		require.NoError(t, repo.Create(ctx, &model.QueueItem{
			ID: fmt.Sprintf("id-%d", i), SourceID: "x", Position: pos, CreatedAt: now,
		}))
	}

	s := NewStore(repo, nil, time.Second)
	require.NoError(t, s.Load(ctx))
	assertDense(t, s.List())
	assertPersisted(t, repo, s)
}

func TestPositionInvariantUnderRandomOps(t *testing.T) {
	repo := repository.NewMemoryQueueRepository()
	s := NewStore(repo, nil, time.Second)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))

	for step := 0; step < 500; step++ {
		list := s.List()
		switch op := rng.IntN(4); {
		case op == 0 || len(list) == 0:
			_, err := s.Enqueue(ctx, ytURL(step), "u", Hints{})
			require.NoError(t, err)
		case op == 1:
			_, err := s.Remove(ctx, list[rng.IntN(len(list))].ID)
			require.NoError(t, err)
		case op == 2:
			require.NoError(t, s.Reorder(ctx, list[rng.IntN(len(list))].ID, rng.IntN(len(list)+4)-2))
		default:
			_, err := s.PopNext(ctx, list[0].ID)
			require.NoError(t, err)
		}
		assertDense(t, s.List())
	}
	assertPersisted(t, repo, s)
}

func TestConcurrentMutations(t *testing.T) {
	s := NewStore(repository.NewMemoryQueueRepository(), nil, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			it, err := s.Enqueue(ctx, ytURL(i), "u", Hints{})
			if err == nil && i%3 == 0 {
				_ = s.Reorder(ctx, it.ID, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, s.Len())
	assertDense(t, s.List())
}
