package sync

import (
	stdsync "sync"
)

// FailedSet remembers DIDs whose payloads failed verification or decoding.
// Those records are never retried: a bad signature does not heal, and
// re-fetching the payload every pass would burn gateway quota on garbage.
// The set is bounded FIFO so a flood of junk cannot grow it without limit.
type FailedSet struct {
	mu      stdsync.Mutex
	reasons map[string]string
	order   []string
	max     int
}

// NewFailedSet creates a set holding at most max entries. Zero or negative
// max falls back to 10000.
func NewFailedSet(max int) *FailedSet {
	if max <= 0 {
		max = 10000
	}
	return &FailedSet{
		reasons: make(map[string]string),
		max:     max,
	}
}

// Mark records a DID as permanently failed with a short reason.
func (f *FailedSet) Mark(did, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reasons[did]; ok {
		f.reasons[did] = reason
		return
	}
	if len(f.order) >= f.max {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.reasons, oldest)
	}
	f.order = append(f.order, did)
	f.reasons[did] = reason
}

// Failed reports whether a DID is in the set.
func (f *FailedSet) Failed(did string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.reasons[did]
	return ok
}

// Reason returns the recorded failure reason, if any.
func (f *FailedSet) Reason(did string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reasons[did]
	return r, ok
}

// Len reports the number of failed DIDs, for the health endpoint.
func (f *FailedSet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}
