package vote

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyVoted = errors.New("already voted")
	ErrNoActiveVote = errors.New("no active vote")
)

// Outcome describes the collector after a cast.
type Outcome[V any] struct {
	Round    uint64
	Count    int
	Resolved bool
	// Votes is set only when the cast resolved the round.
	Votes map[string]V
}

// Collector gathers at most one ballot per voter for a round. A round ends
// when the completion predicate holds after a cast or when its timer fires;
// either way the collector starts a fresh round.
type Collector[V any] struct {
	mu       sync.Mutex
	votes    map[string]V
	round    uint64
	timer    *time.Timer
	deadline time.Time

	timeout  func() time.Duration
	complete func(votes map[string]V) bool
	onExpire func(round uint64, votes map[string]V)
}

// NewCollector 创建投票收集器。complete 和 onExpire 可以为 nil
func NewCollector[V any](timeout func() time.Duration, complete func(map[string]V) bool, onExpire func(uint64, map[string]V)) *Collector[V] {
	return &Collector[V]{
		votes:    make(map[string]V),
		timeout:  timeout,
		complete: complete,
		onExpire: onExpire,
	}
}

// Cast records a ballot. The round timer starts with the first ballot.
func (c *Collector[V]) Cast(voter string, v V) (Outcome[V], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.votes[voter]; ok {
		return Outcome[V]{Round: c.round, Count: len(c.votes)}, ErrAlreadyVoted
	}
	c.votes[voter] = v
	c.armLocked()

	out := Outcome[V]{Round: c.round, Count: len(c.votes)}
	if c.complete != nil && c.complete(c.votes) {
		out.Resolved = true
		out.Votes = c.votes
		c.resetLocked()
	}
	return out, nil
}

// Arm starts the round timer without a ballot. It is a no-op while the
// timer is already running.
func (c *Collector[V]) Arm() {
	c.mu.Lock()
	c.armLocked()
	c.mu.Unlock()
}

func (c *Collector[V]) armLocked() {
	if c.timer != nil || c.timeout == nil {
		return
	}
	d := c.timeout()
	round := c.round
	c.deadline = time.Now().Add(d)
	c.timer = time.AfterFunc(d, func() { c.expire(round) })
}

func (c *Collector[V]) expire(round uint64) {
	c.mu.Lock()
	if round != c.round {
		c.mu.Unlock()
		return
	}
	votes := c.votes
	c.resetLocked()
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(round, votes)
	}
}

// Withdraw drops a voter's ballot, e.g. on disconnect.
func (c *Collector[V]) Withdraw(voter string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.votes, voter)
	return len(c.votes)
}

// Reset discards the current round and returns the new round number.
func (c *Collector[V]) Reset() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return c.round
}

func (c *Collector[V]) resetLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.votes = make(map[string]V)
	c.deadline = time.Time{}
	c.round++
}

func (c *Collector[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.votes)
}

func (c *Collector[V]) Round() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.round
}

// Deadline is zero while no timer runs.
func (c *Collector[V]) Deadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}
