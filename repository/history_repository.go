package repository

import (
	"context"

	"QueueFM/model"

	"gorm.io/gorm"
)

// HistoryRepository 播放历史数据访问接口
type HistoryRepository interface {
	Record(ctx context.Context, entry *model.PlayedHistory) error
	Recent(ctx context.Context, limit int) ([]*model.PlayedHistory, error)
}

type gormHistoryRepository struct {
	db *gorm.DB
}

// NewGormHistoryRepository 创建 GORM 播放历史仓库
func NewGormHistoryRepository(db *gorm.DB) HistoryRepository {
	return &gormHistoryRepository{db: db}
}

func (r *gormHistoryRepository) Record(ctx context.Context, entry *model.PlayedHistory) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormHistoryRepository) Recent(ctx context.Context, limit int) ([]*model.PlayedHistory, error) {
	var rows []*model.PlayedHistory
	err := r.db.WithContext(ctx).
		Order("played_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
