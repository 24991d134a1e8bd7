package vote

import (
	"context"
	"sync"
	"time"

	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/model"

	"github.com/google/uuid"
)

// Request is a queue add that waits for a duration vote.
type Request struct {
	URL             string
	Title           *string
	Thumbnail       *string
	DurationSeconds int
	AddedBy         string
}

// Result 时长投票结果
type Result struct {
	Accepted bool    `json:"accepted"`
	Title    *string `json:"title"`
	Yes      int     `json:"-"`
	No       int     `json:"-"`
}

// DurationConfig wires a DurationVote to the rest of the station.
type DurationConfig struct {
	Timeout time.Duration
	Clients func() int
	// Accept appends the request to the queue after a successful vote.
	Accept func(ctx context.Context, req Request) error
	// OnUpdate receives the running vote, or nil once it ended.
	OnUpdate func(*model.DurationVote)
	OnResult func(Result)
}

// DurationVote runs at most one vote at a time on whether an over-long
// track may join the queue.
type DurationVote struct {
	cfg DurationConfig
	c   *Collector[bool]

	mu     sync.Mutex
	active *model.DurationVote
	req    Request
	round  uint64
}

func NewDurationVote(cfg DurationConfig) *DurationVote {
	d := &DurationVote{cfg: cfg}
	d.c = NewCollector(
		func() time.Duration { return cfg.Timeout },
		func(votes map[string]bool) bool { return len(votes) >= cfg.Clients() },
		d.expired,
	)
	return d
}

// Start opens a vote for req, cancelling any vote already running.
func (d *DurationVote) Start(req Request) *model.DurationVote {
	d.mu.Lock()
	if d.active != nil {
		logger.Info("duration vote replaced", logger.Component("vote"), logger.String("id", d.active.ID))
	}
	d.round = d.c.Reset()
	d.req = req
	d.active = &model.DurationVote{
		ID:              uuid.NewString(),
		SourceURL:       req.URL,
		Title:           req.Title,
		Thumbnail:       req.Thumbnail,
		DurationSeconds: req.DurationSeconds,
		AddedBy:         req.AddedBy,
		Voters:          []string{},
		ExpiresAt:       time.Now().Add(d.cfg.Timeout).UnixMilli(),
	}
	d.c.Arm()
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	logger.Info("duration vote started",
		logger.Component("vote"),
		logger.String("url", req.URL),
		logger.Int("duration", req.DurationSeconds))
	d.update(snapshot)
	return snapshot
}

// Cast records a yes or no ballot.
func (d *DurationVote) Cast(voterID string, yes bool) error {
	d.mu.Lock()
	if d.active == nil {
		d.mu.Unlock()
		return ErrNoActiveVote
	}
	out, err := d.c.Cast(voterID, yes)
	if err != nil {
		d.mu.Unlock()
		return err
	}

	kind := "duration_no"
	if yes {
		kind = "duration_yes"
		d.active.Yes++
	} else {
		d.active.No++
	}
	d.active.Voters = append(d.active.Voters, voterID)
	metrics.Votes.WithLabelValues(kind).Inc()

	if !out.Resolved {
		snapshot := d.snapshotLocked()
		d.mu.Unlock()
		d.update(snapshot)
		return nil
	}

	res, req := d.finishLocked(out.Votes)
	d.mu.Unlock()
	d.publish(res, req)
	return nil
}

func (d *DurationVote) expired(round uint64, votes map[string]bool) {
	d.mu.Lock()
	if d.active == nil || round != d.round {
		d.mu.Unlock()
		return
	}
	logger.Info("duration vote timed out", logger.Component("vote"))
	res, req := d.finishLocked(votes)
	d.mu.Unlock()
	d.publish(res, req)
}

func (d *DurationVote) finishLocked(votes map[string]bool) (Result, Request) {
	res := Result{Title: d.active.Title}
	for _, yes := range votes {
		if yes {
			res.Yes++
		} else {
			res.No++
		}
	}
	// ties reject
	res.Accepted = res.Yes > res.No
	req := d.req
	d.active = nil
	d.req = Request{}
	return res, req
}

func (d *DurationVote) publish(res Result, req Request) {
	logger.Info("duration vote finished",
		logger.Component("vote"),
		logger.Int("yes", res.Yes),
		logger.Int("no", res.No),
		logger.Bool("accepted", res.Accepted))

	if res.Accepted && d.cfg.Accept != nil {
		if err := d.cfg.Accept(context.Background(), req); err != nil {
			logger.Error("failed to add track after duration vote",
				logger.Component("vote"),
				logger.String("url", req.URL),
				logger.ErrorField(err))
		}
	}
	if d.cfg.OnResult != nil {
		d.cfg.OnResult(res)
	}
	d.update(nil)
}

func (d *DurationVote) update(v *model.DurationVote) {
	if d.cfg.OnUpdate != nil {
		d.cfg.OnUpdate(v)
	}
}

func (d *DurationVote) snapshotLocked() *model.DurationVote {
	if d.active == nil {
		return nil
	}
	c := *d.active
	c.Voters = append([]string(nil), d.active.Voters...)
	return &c
}

// Current returns a copy of the running vote or nil.
func (d *DurationVote) Current() *model.DurationVote {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Cancel drops the running vote without a result.
func (d *DurationVote) Cancel() {
	d.mu.Lock()
	had := d.active != nil
	d.round = d.c.Reset()
	d.active = nil
	d.req = Request{}
	d.mu.Unlock()
	if had {
		d.update(nil)
	}
}
