package repository

import (
	"context"
	"errors"
	"time"

	"QueueFM/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsRepository 键值设置数据访问接口
type SettingsRepository interface {
	// Get returns ok=false when the key has never been written.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

type gormSettingsRepository struct {
	db *gorm.DB
}

// NewGormSettingsRepository 创建 GORM 设置仓库
func NewGormSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

func (r *gormSettingsRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var row model.RadioSetting
	err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Value, true, nil
}

// Set upserts the key.
func (r *gormSettingsRepository) Set(ctx context.Context, key, value string) error {
	row := model.RadioSetting{Key: key, Value: value, UpdatedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (r *gormSettingsRepository) All(ctx context.Context) (map[string]string, error) {
	var rows []model.RadioSetting
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
