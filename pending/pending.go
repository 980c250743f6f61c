// Package pending implements the pending-op buffer (component F): an
// in-process, bounded structure holding likes/reposts/list-items that
// arrived before the parent record they depend on, so the commit processor
// can flush them once the parent appears instead of dropping them.
package pending

import (
	"sync"
	"time"
)

// Op is one buffered operation waiting on a parent to appear.
type Op struct {
	URI        string // the op's own URI (used for cancellation on delete)
	Kind       string // "like", "repost", "listitem"
	ParentURI  string
	ActorDID   string                 // the DID that authored this op (for a listitem, the list member's DID)
	Record     map[string]interface{} // the decoded record, re-dispatched once flushed
	EnqueuedAt time.Time
}

// Buffer holds pending ops keyed by parent, with a reverse index for
// cancellation, following the teacher's map-plus-mutex state-tracking
// idiom generalized from a single map to the byParent/byOpURI pair §4.F
// requires.
type Buffer struct {
	mu sync.Mutex

	byParent map[string][]Op
	byOpURI  map[string]string // opURI -> parentURI

	globalCap    int
	perParentCap int
	ttl          time.Duration

	totalCount int
	dropped    uint64
	expired    uint64
}

// Config configures the buffer's bounds.
type Config struct {
	GlobalCap    int
	PerParentCap int
	TTL          time.Duration
}

func DefaultConfig() Config {
	return Config{GlobalCap: 10000, PerParentCap: 100, TTL: 10 * time.Minute}
}

// New creates an empty buffer.
func New(cfg Config) *Buffer {
	if cfg.GlobalCap == 0 {
		cfg.GlobalCap = 10000
	}
	if cfg.PerParentCap == 0 {
		cfg.PerParentCap = 100
	}
	if cfg.TTL == 0 {
		cfg.TTL = 10 * time.Minute
	}
	return &Buffer{
		byParent:     make(map[string][]Op),
		byOpURI:      make(map[string]string),
		globalCap:    cfg.GlobalCap,
		perParentCap: cfg.PerParentCap,
		ttl:          cfg.TTL,
	}
}

// Enqueue adds op to the queue for its parent. If the per-parent or global
// cap would be exceeded, the oldest entry (in the relevant scope) is
// dropped first and the dropped counter is incremented.
func (b *Buffer) Enqueue(op Op) {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	queue := b.byParent[op.ParentURI]
	if len(queue) >= b.perParentCap {
		evicted := queue[0]
		queue = queue[1:]
		delete(b.byOpURI, evicted.URI)
		b.totalCount--
		b.dropped++
	}

	if b.totalCount >= b.globalCap {
		b.evictOldestLocked()
		queue = b.byParent[op.ParentURI]
	}

	queue = append(queue, op)
	b.byParent[op.ParentURI] = queue
	b.byOpURI[op.URI] = op.ParentURI
	b.totalCount++
}

// evictOldestLocked drops the globally oldest entry across all parents.
// Must be called with b.mu held.
func (b *Buffer) evictOldestLocked() {
	var oldestParent string
	var oldestTime time.Time
	found := false

	for parent, queue := range b.byParent {
		if len(queue) == 0 {
			continue
		}
		if !found || queue[0].EnqueuedAt.Before(oldestTime) {
			oldestParent = parent
			oldestTime = queue[0].EnqueuedAt
			found = true
		}
	}
	if !found {
		return
	}

	queue := b.byParent[oldestParent]
	evicted := queue[0]
	queue = queue[1:]
	if len(queue) == 0 {
		delete(b.byParent, oldestParent)
	} else {
		b.byParent[oldestParent] = queue
	}
	delete(b.byOpURI, evicted.URI)
	b.totalCount--
	b.dropped++
}

// Flush atomically removes and returns every op queued under parentURI,
// so a concurrent Enqueue for the same parent can't race with processing
// (§4.F's "flushing a parent removes its queue atomically").
func (b *Buffer) Flush(parentURI string) []Op {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.byParent[parentURI]
	if !ok {
		return nil
	}
	delete(b.byParent, parentURI)
	for _, op := range queue {
		delete(b.byOpURI, op.URI)
	}
	b.totalCount -= len(queue)
	return queue
}

// Cancel removes a single pending op by its own URI, used when the op
// itself is deleted before its parent ever appears.
func (b *Buffer) Cancel(opURI string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	parent, ok := b.byOpURI[opURI]
	if !ok {
		return false
	}
	delete(b.byOpURI, opURI)

	queue := b.byParent[parent]
	for i, op := range queue {
		if op.URI == opURI {
			queue = append(queue[:i], queue[i+1:]...)
			b.totalCount--
			break
		}
	}
	if len(queue) == 0 {
		delete(b.byParent, parent)
	} else {
		b.byParent[parent] = queue
	}
	return true
}

// CancelAllUnder removes every op still queued under parentURI without
// processing them, used when the parent post itself is deleted (§4.E).
func (b *Buffer) CancelAllUnder(parentURI string) int {
	return len(b.Flush(parentURI))
}

// Sweep drops every entry older than the TTL, incrementing the expired
// counter for each. Intended to run on a periodic tick (default 60s).
func (b *Buffer) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	expiredCount := 0
	for parent, queue := range b.byParent {
		kept := queue[:0]
		for _, op := range queue {
			if now.Sub(op.EnqueuedAt) >= b.ttl {
				delete(b.byOpURI, op.URI)
				b.totalCount--
				expiredCount++
				continue
			}
			kept = append(kept, op)
		}
		if len(kept) == 0 {
			delete(b.byParent, parent)
		} else {
			b.byParent[parent] = kept
		}
	}
	b.expired += uint64(expiredCount)
	return expiredCount
}

// Stats is a point-in-time snapshot of buffer occupancy and loss counters.
type Stats struct {
	Size    int
	Dropped uint64
	Expired uint64
}

// Stats returns the buffer's current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Size: b.totalCount, Dropped: b.dropped, Expired: b.expired}
}

// Parents returns the set of parent URIs with at least one pending op,
// used by the retry-cadence task to find candidates worth re-checking.
func (b *Buffer) Parents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.byParent))
	for parent := range b.byParent {
		out = append(out, parent)
	}
	return out
}
