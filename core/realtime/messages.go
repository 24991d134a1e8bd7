package realtime

import (
	"encoding/json"

	"QueueFM/core/mode"
	"QueueFM/model"
)

// Inbound events.
const (
	EvAuthVerify       = "auth:verify"
	EvQueueAdd         = "queue:add"
	EvQueueRemove      = "queue:remove"
	EvQueueReorder     = "queue:reorder"
	EvTrackSkip        = "track:skip"
	EvVoteSkip         = "vote:skip"
	EvDurationVoteCast = "durationVote:cast"
	EvModeSet          = "mode:set"
	EvSettingsUpdate   = "settings:update"
	EvKeepFiles        = "settings:keepFiles"
)

// Outbound events.
const (
	EvState              = "state"
	EvTrackChange        = "track:change"
	EvQueueUpdate        = "queue:update"
	EvModeChange         = "mode:change"
	EvVoteUpdate         = "vote:update"
	EvStreamStatus       = "stream:status"
	EvDurationVoteUpdate = "durationVote:update"
	EvDurationVoteEnd    = "durationVote:end"
	EvDurationVoteResult = "durationVote:result"
	EvKeepFilesChanged   = "settings:keepFilesChanged"
	EvAuthResult         = "auth:result"
	EvErrorToast         = "error:toast"
	EvInfoToast          = "info:toast"
)

// Envelope 客户端与服务端之间的消息格式
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// State is the point-in-time snapshot sent to new clients and served by
// GET /state.
type State struct {
	CurrentTrack  *model.Track        `json:"currentTrack"`
	Queue         []*model.QueueItem  `json:"queue"`
	Mode          mode.Mode           `json:"mode"`
	ModeSettings  mode.Settings       `json:"modeSettings"`
	ListenerCount int                 `json:"listenerCount"`
	StreamOnline  bool                `json:"streamOnline"`
	VoteState     *model.VoteState    `json:"voteState"`
	DurationVote  *model.DurationVote `json:"durationVote"`
	KeepFiles     bool                `json:"keepFiles"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type addRequest struct {
	URL       string  `json:"url"`
	AddedBy   string  `json:"addedBy"`
	Title     *string `json:"title"`
	Thumbnail *string `json:"thumbnail"`
	Token     string  `json:"token"`
}

type removeRequest struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type reorderRequest struct {
	ID          string `json:"id"`
	NewPosition int    `json:"newPosition"`
	Token       string `json:"token"`
}

type castRequest struct {
	Vote string `json:"vote"` // yes or no
}

type modeRequest struct {
	Mode  string `json:"mode"`
	Token string `json:"token"`
}

type settingRequest struct {
	Key   string `json:"key"`
	Value int    `json:"value"`
	Token string `json:"token"`
}

type keepFilesRequest struct {
	Keep  bool   `json:"keep"`
	Token string `json:"token"`
}

type toast struct {
	Message string `json:"message"`
}

type queueUpdate struct {
	Items []*model.QueueItem `json:"items"`
}

type modeChange struct {
	Mode     mode.Mode     `json:"mode"`
	Settings mode.Settings `json:"settings"`
}

type streamStatus struct {
	Online    bool `json:"online"`
	Listeners int  `json:"listeners"`
}

type authResult struct {
	Valid   bool   `json:"valid"`
	Session string `json:"session,omitempty"`
}

type keepFiles struct {
	Keep bool `json:"keep"`
}
