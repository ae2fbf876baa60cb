package routing

import "sync"

// HistoryCapacity bounds the in-memory routing history.
const HistoryCapacity = 100

// HistoryRing is a fixed-capacity circular buffer of routing outcomes.
// Appends never fail; once full, the oldest entry is overwritten. It
// only backs analytics, so silent eviction is acceptable.
type HistoryRing struct {
	mu      sync.Mutex
	entries []HistoryEntry
	head    int // next write position
	size    int
}

func NewHistoryRing(capacity int) *HistoryRing {
	if capacity <= 0 {
		capacity = HistoryCapacity
	}
	return &HistoryRing{entries: make([]HistoryEntry, capacity)}
}

func (r *HistoryRing) Append(e HistoryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.size < len(r.entries) {
		r.size++
	}
}

// Snapshot returns the retained entries, oldest first.
func (r *HistoryRing) Snapshot() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HistoryEntry, 0, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

func (r *HistoryRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
