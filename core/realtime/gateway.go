// Package realtime is the websocket side of the station: it pushes state
// changes to listeners and turns their requests into queue, vote and mode
// operations.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"QueueFM/core/mode"
	"QueueFM/core/player"
	"QueueFM/core/queue"
	"QueueFM/core/source"
	"QueueFM/core/vote"
	"QueueFM/logger"
	"QueueFM/model"

	"github.com/gorilla/websocket"
)

var (
	ErrForbidden   = errors.New("permission denied")
	ErrRateLimited = errors.New("too many requests, slow down")
	ErrTooLong     = errors.New("track is too long")
	ErrBadRequest  = errors.New("malformed request")
)

const anonymous = "Anonymous"

// Queue is the part of the queue store the gateway drives.
type Queue interface {
	Enqueue(ctx context.Context, url, addedBy string, hints queue.Hints) (*model.QueueItem, error)
	Remove(ctx context.Context, id string) (*model.QueueItem, error)
	Reorder(ctx context.Context, id string, newPosition int) error
	List() []*model.QueueItem
	CountBy(addedBy string) int
}

// Player is the playback engine as seen by listeners.
type Player interface {
	Current() *model.Track
	HasNext() bool
	Skip() bool
}

// Authenticator decides whether a credential carries admin rights.
type Authenticator interface {
	IsAdmin(credential string) bool
	Login(credential string) (string, error)
}

// InfoFetcher resolves metadata before an add is accepted.
type InfoFetcher interface {
	FetchInfo(ctx context.Context, url string) source.Info
}

// Mirror receives every broadcast and the latest snapshot, e.g. redis.
type Mirror interface {
	Publish(ctx context.Context, payload []byte) error
	StoreSnapshot(ctx context.Context, snapshot []byte) error
}

// Options 网关依赖
type Options struct {
	Queue  Queue
	Player Player
	Modes  *mode.Service
	Auth   Authenticator
	Info   InfoFetcher
	Mirror Mirror

	// StreamOnline reports whether the encoder is connected.
	StreamOnline func() bool

	MaxDurationSeconds   int
	VoteThresholdSeconds int
	DurationVoteTimeout  time.Duration
	AddsPerMinute        int
	CheckOrigin          func(r *http.Request) bool
}

// Gateway connects websocket listeners to the station.
type Gateway struct {
	opts     Options
	hub      *Hub
	skip     *vote.SkipVote
	duration *vote.DurationVote
	upgrader websocket.Upgrader

	mirror chan []byte

	mu  sync.RWMutex
	ctx context.Context
}

func NewGateway(opts Options) *Gateway {
	if opts.StreamOnline == nil {
		opts.StreamOnline = func() bool { return false }
	}
	if opts.DurationVoteTimeout <= 0 {
		opts.DurationVoteTimeout = 30 * time.Second
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	g := &Gateway{
		opts:     opts,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: checkOrigin},
		mirror:   make(chan []byte, 256),
		ctx:      context.Background(),
	}
	g.hub = NewHub(g.onJoin, g.onLeave)
	g.skip = vote.NewSkipVote(vote.SkipConfig{
		Clients: g.hub.Count,
		Settings: func() (int, time.Duration) {
			s := opts.Modes.Settings()
			return s.SkipThresholdPercent, time.Duration(s.VoteTimerSeconds) * time.Second
		},
		OnExpire: func(st model.VoteState) { g.Broadcast(EvVoteUpdate, st) },
	})
	g.duration = vote.NewDurationVote(vote.DurationConfig{
		Timeout: opts.DurationVoteTimeout,
		Clients: g.hub.Count,
		Accept: func(ctx context.Context, req vote.Request) error {
			_, err := opts.Queue.Enqueue(ctx, req.URL, req.AddedBy, queue.Hints{Title: req.Title, Thumbnail: req.Thumbnail})
			return err
		},
		OnUpdate: func(v *model.DurationVote) {
			if v == nil {
				g.Broadcast(EvDurationVoteEnd, struct{}{})
				return
			}
			g.Broadcast(EvDurationVoteUpdate, v)
		},
		OnResult: func(r vote.Result) { g.Broadcast(EvDurationVoteResult, r) },
	})
	return g
}

// Run serves the hub and the mirror until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	go g.hub.Run(ctx)
	g.mirrorLoop(ctx)
	<-g.hub.Done()

	g.skip.Reset()
	g.duration.Cancel()
}

func (g *Gateway) baseContext() context.Context {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ctx
}

// Listeners returns the number of connected clients.
func (g *Gateway) Listeners() int {
	return g.hub.Count()
}

// ServeWS upgrades the request and attaches a new client.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.Component("realtime"), logger.ErrorField(err))
		return
	}
	c := NewClient(g.hub, conn, g.opts.AddsPerMinute)
	if !g.hub.Register(c) {
		conn.Close()
		return
	}
	go c.WritePump()
	go c.ReadPump(g.baseContext(), g.handle)
}

// Broadcast sends an event to every client and forwards it to the mirror.
func (g *Gateway) Broadcast(event string, data interface{}) {
	msg, err := encode(event, data)
	if err != nil {
		logger.Error("encode event failed", logger.Component("realtime"), logger.String("event", event), logger.ErrorField(err))
		return
	}
	g.hub.Broadcast(msg)

	if g.opts.Mirror == nil {
		return
	}
	select {
	case g.mirror <- msg:
	default:
		logger.Warn("mirror buffer full, event dropped", logger.Component("realtime"), logger.String("event", event))
	}
}

func (g *Gateway) mirrorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-g.mirror:
			if err := g.opts.Mirror.Publish(ctx, msg); err != nil {
				logger.Warn("mirror publish failed", logger.Component("realtime"), logger.ErrorField(err))
			}
			// Snapshots coalesce: only the newest one after a burst is stored.
			if len(g.mirror) > 0 {
				continue
			}
			snap, err := json.Marshal(g.Snapshot())
			if err != nil {
				continue
			}
			if err := g.opts.Mirror.StoreSnapshot(ctx, snap); err != nil {
				logger.Warn("mirror snapshot failed", logger.Component("realtime"), logger.ErrorField(err))
			}
		}
	}
}

// Snapshot 当前完整状态
func (g *Gateway) Snapshot() State {
	st := State{
		CurrentTrack:  g.opts.Player.Current(),
		Queue:         g.opts.Queue.List(),
		Mode:          g.opts.Modes.Mode(),
		ModeSettings:  g.opts.Modes.Settings(),
		ListenerCount: g.hub.Count(),
		StreamOnline:  g.opts.StreamOnline(),
		DurationVote:  g.duration.Current(),
		KeepFiles:     g.opts.Modes.KeepFiles(),
	}
	if vs := g.skip.State(); vs.Active {
		st.VoteState = &vs
	}
	return st
}

func (g *Gateway) onJoin(c *Client) {
	c.Emit(EvState, g.Snapshot())
	g.BroadcastStreamStatus()
}

func (g *Gateway) onLeave(c *Client) {
	st := g.skip.Withdraw(c.ID)
	g.opts.Modes.ForgetClient(c.ID)
	if st.Active {
		g.Broadcast(EvVoteUpdate, st)
	}
	g.BroadcastStreamStatus()
}

// BroadcastStreamStatus pushes the encoder state and listener count.
func (g *Gateway) BroadcastStreamStatus() {
	g.Broadcast(EvStreamStatus, streamStatus{Online: g.opts.StreamOnline(), Listeners: g.hub.Count()})
}

// TrackChanged implements player.Listener.
func (g *Gateway) TrackChanged(t *model.Track) {
	g.skip.Reset()
	g.Broadcast(EvTrackChange, t)
	g.Broadcast(EvVoteUpdate, g.skip.State())
}

// Toast implements player.Listener.
func (g *Gateway) Toast(kind player.ToastKind, msg string) {
	ev := EvInfoToast
	if kind == player.ToastError {
		ev = EvErrorToast
	}
	g.Broadcast(ev, toast{Message: msg})
}

// QueueChanged is subscribed to the queue store.
func (g *Gateway) QueueChanged(queue.Change) {
	g.Broadcast(EvQueueUpdate, queueUpdate{Items: g.opts.Queue.List()})
}

func (g *Gateway) handle(ctx context.Context, c *Client, env *Envelope) {
	var err error
	switch env.Event {
	case EvAuthVerify:
		err = g.handleAuthVerify(c, env.Data)
	case EvQueueAdd:
		err = g.handleQueueAdd(ctx, c, env.Data)
	case EvQueueRemove:
		err = g.handleQueueRemove(ctx, env.Data)
	case EvQueueReorder:
		err = g.handleQueueReorder(ctx, env.Data)
	case EvTrackSkip:
		err = g.handleTrackSkip(c, env.Data)
	case EvVoteSkip:
		err = g.handleVoteSkip(c)
	case EvDurationVoteCast:
		err = g.handleDurationCast(c, env.Data)
	case EvModeSet:
		err = g.handleModeSet(ctx, env.Data)
	case EvSettingsUpdate:
		err = g.handleSettingsUpdate(ctx, env.Data)
	case EvKeepFiles:
		err = g.handleKeepFiles(ctx, env.Data)
	default:
		logger.Debug("unknown event", logger.Component("realtime"), logger.String("event", env.Event))
		return
	}
	if err != nil {
		logger.Debug("request rejected",
			logger.Component("realtime"),
			logger.String("event", env.Event),
			logger.String("client", c.ID),
			logger.ErrorField(err))
		c.Emit(EvErrorToast, toast{Message: err.Error()})
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return ErrBadRequest
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (g *Gateway) handleAuthVerify(c *Client, data json.RawMessage) error {
	var req tokenRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	session, err := g.opts.Auth.Login(req.Token)
	c.Emit(EvAuthResult, authResult{Valid: err == nil, Session: session})
	return nil
}

func (g *Gateway) handleQueueAdd(ctx context.Context, c *Client, data json.RawMessage) error {
	var req addRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	isAdmin := g.opts.Auth.IsAdmin(req.Token)
	if !g.opts.Modes.Can(mode.Add, isAdmin) {
		return ErrForbidden
	}
	if !c.AllowAdd() {
		return ErrRateLimited
	}
	url := strings.TrimSpace(req.URL)
	if err := source.Validate(url); err != nil {
		return err
	}
	addedBy := strings.TrimSpace(req.AddedBy)
	if addedBy == "" {
		addedBy = anonymous
	}
	if err := g.opts.Modes.CheckAdd(isAdmin, g.opts.Queue.CountBy(addedBy)); err != nil {
		return err
	}

	c.Emit(EvInfoToast, toast{Message: "Fetching track info..."})
	info := g.opts.Info.FetchInfo(ctx, url)
	title, thumb := req.Title, req.Thumbnail
	if title == nil {
		title = info.Title
	}
	if thumb == nil {
		thumb = info.Thumbnail
	}

	if info.DurationSeconds != nil {
		d := *info.DurationSeconds
		if d > g.opts.MaxDurationSeconds {
			return fmt.Errorf("%w: max %d minutes", ErrTooLong, g.opts.MaxDurationSeconds/60)
		}
		if d > g.opts.VoteThresholdSeconds && !isAdmin {
			g.duration.Start(vote.Request{
				URL:             url,
				Title:           title,
				Thumbnail:       thumb,
				DurationSeconds: d,
				AddedBy:         addedBy,
			})
			c.Emit(EvInfoToast, toast{Message: "Track is longer than 5 minutes, listeners are voting on it"})
			return nil
		}
	}

	item, err := g.opts.Queue.Enqueue(ctx, url, addedBy, queue.Hints{Title: title, Thumbnail: thumb})
	if err != nil {
		return err
	}
	c.Emit(EvInfoToast, toast{Message: "Added: " + item.DisplayName()})
	return nil
}

func (g *Gateway) handleQueueRemove(ctx context.Context, data json.RawMessage) error {
	var req removeRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !g.opts.Modes.Can(mode.Remove, g.opts.Auth.IsAdmin(req.Token)) {
		return ErrForbidden
	}
	_, err := g.opts.Queue.Remove(ctx, req.ID)
	return err
}

func (g *Gateway) handleQueueReorder(ctx context.Context, data json.RawMessage) error {
	var req reorderRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !g.opts.Modes.Can(mode.Reorder, g.opts.Auth.IsAdmin(req.Token)) {
		return ErrForbidden
	}
	return g.opts.Queue.Reorder(ctx, req.ID, req.NewPosition)
}

func (g *Gateway) handleTrackSkip(c *Client, data json.RawMessage) error {
	var req tokenRequest
	if len(data) > 0 {
		if err := decode(data, &req); err != nil {
			return err
		}
	}
	isAdmin := g.opts.Auth.IsAdmin(req.Token)
	if !g.opts.Modes.Can(mode.Skip, isAdmin) {
		return ErrForbidden
	}
	if !g.opts.Player.HasNext() {
		return player.ErrNoNextTrack
	}
	if err := g.opts.Modes.AllowSkip(c.ID, isAdmin); err != nil {
		return err
	}
	g.skipNow()
	return nil
}

func (g *Gateway) handleVoteSkip(c *Client) error {
	if !g.opts.Modes.Can(mode.VoteSkip, false) {
		return ErrForbidden
	}
	// a quorum resets the vote, so refuse before counting
	if !g.opts.Player.HasNext() {
		return player.ErrNoNextTrack
	}
	skip, st, err := g.skip.Cast(c.ID)
	if err != nil {
		return err
	}
	g.Broadcast(EvVoteUpdate, st)
	if !skip {
		return nil
	}
	g.opts.Player.Skip()
	return nil
}

func (g *Gateway) handleDurationCast(c *Client, data json.RawMessage) error {
	var req castRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	switch req.Vote {
	case "yes":
		return g.duration.Cast(c.ID, true)
	case "no":
		return g.duration.Cast(c.ID, false)
	}
	return fmt.Errorf("%w: vote must be yes or no", ErrBadRequest)
}

func (g *Gateway) handleModeSet(ctx context.Context, data json.RawMessage) error {
	var req modeRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !g.opts.Auth.IsAdmin(req.Token) {
		return ErrForbidden
	}
	return g.SetMode(ctx, req.Mode)
}

func (g *Gateway) handleSettingsUpdate(ctx context.Context, data json.RawMessage) error {
	var req settingRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !g.opts.Auth.IsAdmin(req.Token) {
		return ErrForbidden
	}
	return g.UpdateSetting(ctx, req.Key, req.Value)
}

func (g *Gateway) handleKeepFiles(ctx context.Context, data json.RawMessage) error {
	var req keepFilesRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if !g.opts.Auth.IsAdmin(req.Token) {
		return ErrForbidden
	}
	return g.SetKeepFiles(ctx, req.Keep)
}

// The operations below are shared by websocket and REST admin requests;
// callers have already checked admin rights.

// SetMode switches the mode, resets the skip vote and announces it.
func (g *Gateway) SetMode(ctx context.Context, name string) error {
	m, err := g.opts.Modes.SetMode(ctx, name)
	if err != nil {
		return err
	}
	g.skip.Reset()
	g.Broadcast(EvModeChange, modeChange{Mode: m, Settings: g.opts.Modes.Settings()})
	g.Broadcast(EvVoteUpdate, g.skip.State())
	return nil
}

// UpdateSetting changes one tunable.
func (g *Gateway) UpdateSetting(ctx context.Context, key string, value int) error {
	s, err := g.opts.Modes.Update(ctx, key, value)
	if err != nil {
		return err
	}
	g.skip.Reset()
	g.Broadcast(EvModeChange, modeChange{Mode: g.opts.Modes.Mode(), Settings: s})
	return nil
}

// SetKeepFiles toggles retention of played files.
func (g *Gateway) SetKeepFiles(ctx context.Context, keep bool) error {
	if err := g.opts.Modes.SetKeepFiles(ctx, keep); err != nil {
		return err
	}
	g.Broadcast(EvKeepFilesChanged, keepFiles{Keep: keep})
	return nil
}

// AdminSkip skips unconditionally when another track is available.
func (g *Gateway) AdminSkip() error {
	if !g.opts.Player.HasNext() {
		return player.ErrNoNextTrack
	}
	g.skipNow()
	return nil
}

func (g *Gateway) skipNow() {
	g.skip.Reset()
	g.opts.Player.Skip()
}
