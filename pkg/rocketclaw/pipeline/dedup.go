package pipeline

import "sync"

// Deduper remembers recently seen message ids so redelivered events (replays
// after a reconnect, edits, reaction updates) are processed at most once.
type Deduper interface {
	// Seen records id and reports whether it was already present.
	Seen(id string) bool
}

// ringDeduper is a bounded set with FIFO eviction.
type ringDeduper struct {
	mu    sync.Mutex
	cap   int
	set   map[string]bool
	order []string
	next  int
}

// NewRingDeduper returns a Deduper that tracks at most capacity ids.
func NewRingDeduper(capacity int) Deduper {
	if capacity <= 0 {
		capacity = 512
	}
	return &ringDeduper{
		cap:   capacity,
		set:   make(map[string]bool, capacity),
		order: make([]string, capacity),
	}
}

func (d *ringDeduper) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set[id] {
		return true
	}
	if old := d.order[d.next]; old != "" {
		delete(d.set, old)
	}
	d.order[d.next] = id
	d.next = (d.next + 1) % d.cap
	d.set[id] = true
	return false
}
