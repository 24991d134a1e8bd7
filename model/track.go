package model

// Track is the currently playing projection. It is never persisted.
// StartedAt == 0 means the track is still being prepared.
type Track struct {
	ID              string  `json:"id"`
	SourceID        string  `json:"sourceId"`
	Title           *string `json:"title"`
	Thumbnail       *string `json:"thumbnail"`
	DurationSeconds *int    `json:"durationSeconds"`
	StartedAt       int64   `json:"startedAt"` // epoch ms
	Fallback        bool    `json:"fallback,omitempty"`
}

// Preparing reports whether the track is not audible yet.
func (t *Track) Preparing() bool {
	return t != nil && t.StartedAt == 0
}

// SearchResult 搜索结果
type SearchResult struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	DurationSeconds *int   `json:"durationSeconds"`
	Thumbnail       string `json:"thumbnail"`
	Channel         string `json:"channel"`
}

// DurationVote 时长投票状态，同一时间最多一个
type DurationVote struct {
	ID              string   `json:"id"`
	SourceURL       string   `json:"sourceUrl"`
	Title           *string  `json:"title"`
	Thumbnail       *string  `json:"thumbnail"`
	DurationSeconds int      `json:"durationSeconds"`
	AddedBy         string   `json:"addedBy"`
	Yes             int      `json:"yes"`
	No              int      `json:"no"`
	Voters          []string `json:"voters"`
	ExpiresAt       int64    `json:"expiresAt"` // epoch ms
}

// VoteState 跳过投票状态
type VoteState struct {
	Votes        int  `json:"votes"`
	Required     int  `json:"required"`
	TimerSeconds int  `json:"timer"`
	Active       bool `json:"active"`
}
