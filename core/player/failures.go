package player

import "sync"

// FailureTracker counts consecutive failures per source id.
type FailureTracker struct {
	limit int

	mu     sync.Mutex
	counts map[string]int
}

// NewFailureTracker returns a tracker that gives up after limit failures.
func NewFailureTracker(limit int) *FailureTracker {
	return &FailureTracker{limit: max(1, limit), counts: make(map[string]int)}
}

// Fail records a failure and reports whether the retry limit was reached.
// Reaching the limit forgets the source id.
func (f *FailureTracker) Fail(sourceID string) (count int, exhausted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[sourceID]++
	count = f.counts[sourceID]
	if count >= f.limit {
		delete(f.counts, sourceID)
		return count, true
	}
	return count, false
}

// Clear forgets failures of sourceID after a successful play.
func (f *FailureTracker) Clear(sourceID string) {
	f.mu.Lock()
	delete(f.counts, sourceID)
	f.mu.Unlock()
}

func (f *FailureTracker) Count(sourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[sourceID]
}

func (f *FailureTracker) Limit() int {
	return f.limit
}
