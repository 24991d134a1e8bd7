package vote

import (
	"math"
	"time"

	"QueueFM/logger"
	"QueueFM/metrics"
	"QueueFM/model"
)

// Required returns the number of skip votes needed for the given audience.
func Required(clients, percent int) int {
	r := int(math.Ceil(float64(clients) * float64(percent) / 100))
	return max(1, r)
}

// SkipConfig wires a SkipVote to the rest of the station.
type SkipConfig struct {
	// Clients reports the number of connected listeners.
	Clients func() int
	// Settings returns the quorum percentage and the vote window.
	Settings func() (percent int, window time.Duration)
	// OnExpire receives the reset state when a window closes without quorum.
	OnExpire func(model.VoteState)
}

// SkipVote is the democracy mode vote to skip the current track.
type SkipVote struct {
	cfg SkipConfig
	c   *Collector[struct{}]
}

func NewSkipVote(cfg SkipConfig) *SkipVote {
	s := &SkipVote{cfg: cfg}
	s.c = NewCollector(s.window, s.reached, s.expired)
	return s
}

func (s *SkipVote) window() time.Duration {
	_, w := s.cfg.Settings()
	return w
}

func (s *SkipVote) required() int {
	pct, _ := s.cfg.Settings()
	return Required(s.cfg.Clients(), pct)
}

func (s *SkipVote) reached(votes map[string]struct{}) bool {
	return len(votes) >= s.required()
}

func (s *SkipVote) expired(_ uint64, _ map[string]struct{}) {
	logger.Info("skip vote window closed, votes reset", logger.Component("vote"))
	if s.cfg.OnExpire != nil {
		s.cfg.OnExpire(model.VoteState{Votes: 0, Required: s.required(), TimerSeconds: 0})
	}
}

// Cast records a skip vote. skip is true for exactly one caller per round,
// the one whose vote reached quorum; the collector is reset at that point.
func (s *SkipVote) Cast(voterID string) (skip bool, state model.VoteState, err error) {
	out, err := s.c.Cast(voterID, struct{}{})
	if err != nil {
		return false, s.State(), err
	}
	metrics.Votes.WithLabelValues("skip").Inc()
	if out.Resolved {
		logger.Info("skip vote reached quorum",
			logger.Component("vote"),
			logger.Int("votes", out.Count))
		return true, model.VoteState{Votes: 0, Required: s.required()}, nil
	}
	return false, s.State(), nil
}

// Withdraw removes a disconnected listener's vote.
func (s *SkipVote) Withdraw(voterID string) model.VoteState {
	s.c.Withdraw(voterID)
	return s.State()
}

// Reset clears the vote, e.g. on track or mode change.
func (s *SkipVote) Reset() {
	s.c.Reset()
}

// State 当前投票状态
func (s *SkipVote) State() model.VoteState {
	n := s.c.Len()
	st := model.VoteState{Votes: n, Required: s.required(), Active: n > 0}
	if dl := s.c.Deadline(); !dl.IsZero() {
		st.TimerSeconds = max(0, int(time.Until(dl).Round(time.Second).Seconds()))
	}
	return st
}
