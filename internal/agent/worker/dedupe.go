package worker

import "sync"

// DefaultDedupeSize bounds the processed-ids set of a module.
const DefaultDedupeSize = 1024

// Dedupe is a bounded set of processed workflow ids with FIFO eviction.
// The publish step of the coordinator retries, so modules must treat a
// repeated workflow_id as already handled.
type Dedupe struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// NewDedupe creates a bounded dedupe set. size <= 0 uses the default.
func NewDedupe(size int) *Dedupe {
	if size <= 0 {
		size = DefaultDedupeSize
	}
	return &Dedupe{
		seen: make(map[string]struct{}, size),
		cap:  size,
	}
}

// Seen records the id and reports whether it was already present.
// Empty ids are never deduplicated.
func (d *Dedupe) Seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}
