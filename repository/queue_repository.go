package repository

import (
	"context"
	"errors"

	"QueueFM/model"

	"gorm.io/gorm"
)

// QueueRepository 队列数据访问接口
type QueueRepository interface {
	List(ctx context.Context) ([]*model.QueueItem, error)
	Create(ctx context.Context, item *model.QueueItem) error
	Delete(ctx context.Context, id string) error
	// UpdatePositions writes the position of every given item in one transaction.
	UpdatePositions(ctx context.Context, items []*model.QueueItem) error
	UpdateMetadata(ctx context.Context, id string, title, thumbnail *string) error
}

// gormQueueRepository GORM 实现
type gormQueueRepository struct {
	db *gorm.DB
}

// NewGormQueueRepository 创建 GORM 队列仓库
func NewGormQueueRepository(db *gorm.DB) QueueRepository {
	return &gormQueueRepository{db: db}
}

// List 按位置返回全部队列项
func (r *gormQueueRepository) List(ctx context.Context) ([]*model.QueueItem, error) {
	var items []*model.QueueItem
	err := r.db.WithContext(ctx).
		Order("position ASC").
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// Create 插入队列项
func (r *gormQueueRepository) Create(ctx context.Context, item *model.QueueItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// Delete 删除队列项，不存在时返回 ErrNotFound
func (r *gormQueueRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.QueueItem{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePositions 在事务中批量更新位置
func (r *gormQueueRepository) UpdatePositions(ctx context.Context, items []*model.QueueItem) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if err := tx.Model(&model.QueueItem{}).
				Where("id = ?", item.ID).
				Update("position", item.Position).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateMetadata 回填标题和封面，nil 字段保持不变
func (r *gormQueueRepository) UpdateMetadata(ctx context.Context, id string, title, thumbnail *string) error {
	updates := map[string]interface{}{}
	if title != nil {
		updates["title"] = *title
	}
	if thumbnail != nil {
		updates["thumbnail"] = *thumbnail
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&model.QueueItem{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("record not found")
