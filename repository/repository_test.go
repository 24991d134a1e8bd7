package repository

import (
	"context"
	"testing"
	"time"

	"QueueFM/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&model.QueueItem{}, &model.PlayedHistory{}, &model.RadioSetting{}))
	return gdb
}

func queueRepos(t *testing.T) map[string]QueueRepository {
	return map[string]QueueRepository{
		"gorm":   NewGormQueueRepository(openTestDB(t)),
		"memory": NewMemoryQueueRepository(),
	}
}

func TestQueueRepository(t *testing.T) {
	for name, repo := range queueRepos(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			a := &model.QueueItem{ID: "a", SourceURL: "u1", SourceID: "s1", Position: 1, CreatedAt: now}
			b := &model.QueueItem{ID: "b", SourceURL: "u2", SourceID: "s2", Position: 2, CreatedAt: now.Add(time.Second)}
			require.NoError(t, repo.Create(ctx, a))
			require.NoError(t, repo.Create(ctx, b))

			a.Position, b.Position = 2, 1
			require.NoError(t, repo.UpdatePositions(ctx, []*model.QueueItem{a, b}))
			items, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "b", items[0].ID)
			assert.Equal(t, "a", items[1].ID)

			require.NoError(t, repo.UpdateMetadata(ctx, "a", model.StringPtr("Title"), nil))
			items, err = repo.List(ctx)
			require.NoError(t, err)
			require.NotNil(t, items[1].Title)
			assert.Equal(t, "Title", *items[1].Title)
			assert.Nil(t, items[1].Thumbnail)

			assert.ErrorIs(t, repo.UpdateMetadata(ctx, "missing", model.StringPtr("x"), nil), ErrNotFound)
			require.NoError(t, repo.Delete(ctx, "b"))
			assert.ErrorIs(t, repo.Delete(ctx, "b"), ErrNotFound)

			items, err = repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 1)
		})
	}
}

func TestSettingsRepository(t *testing.T) {
	repos := map[string]SettingsRepository{
		"gorm":   NewGormSettingsRepository(openTestDB(t)),
		"memory": NewMemorySettingsRepository(),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := repo.Get(ctx, "active_mode")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, repo.Set(ctx, "active_mode", "radio"))
			require.NoError(t, repo.Set(ctx, "active_mode", "party"))
			v, ok, err := repo.Get(ctx, "active_mode")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "party", v)

			require.NoError(t, repo.Set(ctx, "keep_files", "true"))
			all, err := repo.All(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]string{"active_mode": "party", "keep_files": "true"}, all)
		})
	}
}

func TestHistoryRepository(t *testing.T) {
	repos := map[string]HistoryRepository{
		"gorm":   NewGormHistoryRepository(openTestDB(t)),
		"memory": NewMemoryHistoryRepository(),
	}
	for name, repo := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			for i, sid := range []string{"s1", "s2", "s3"} {
				require.NoError(t, repo.Record(ctx, &model.PlayedHistory{
					SourceID: sid,
					PlayedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}
			recent, err := repo.Recent(ctx, 2)
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.Equal(t, "s3", recent[0].SourceID)
			assert.Equal(t, "s2", recent[1].SourceID)
		})
	}
}
