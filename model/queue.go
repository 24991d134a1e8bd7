package model

import "time"

// QueueItem 队列中等待播放的请求
type QueueItem struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	SourceURL string    `json:"sourceUrl" gorm:"size:512;not null"`
	SourceID  string    `json:"sourceId" gorm:"size:128;index;not null"`
	Title     *string   `json:"title" gorm:"size:512"`
	Thumbnail *string   `json:"thumbnail" gorm:"size:512"`
	AddedBy   string    `json:"addedBy" gorm:"size:64;index"`
	Position  int       `json:"position" gorm:"index;not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName 指定表名
func (QueueItem) TableName() string {
	return "queue_items"
}

// Clone returns a deep copy so callers can't mutate the store's view.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	c := *q
	if q.Title != nil {
		t := *q.Title
		c.Title = &t
	}
	if q.Thumbnail != nil {
		t := *q.Thumbnail
		c.Thumbnail = &t
	}
	return &c
}

// DisplayName is the title when known, the source id otherwise.
func (q *QueueItem) DisplayName() string {
	if q.Title != nil && *q.Title != "" {
		return *q.Title
	}
	return q.SourceID
}

// PlayedHistory 播放历史
type PlayedHistory struct {
	ID              int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	SourceID        string    `json:"sourceId" gorm:"size:128;index;not null"`
	Title           *string   `json:"title" gorm:"size:512"`
	Thumbnail       *string   `json:"thumbnail" gorm:"size:512"`
	DurationSeconds *int      `json:"durationSeconds"`
	PlayedAt        time.Time `json:"playedAt" gorm:"index"`
}

// TableName 指定表名
func (PlayedHistory) TableName() string {
	return "played_history"
}

// RadioSetting 全局设置（键值对）
type RadioSetting struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Value     string    `json:"value" gorm:"size:255;not null"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (RadioSetting) TableName() string {
	return "radio_settings"
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
