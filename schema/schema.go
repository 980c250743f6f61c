// Package schema is the known-record-type registry (component A): a static
// table of AT-Protocol lexicon types this core understands, a validator
// that classifies incoming records as valid/unknown/invalid, and the
// counters and bounded error ring that back its Prometheus export.
package schema

import (
	"fmt"
	"sync"
	"time"
)

// Kind classifies a record against the registry.
type Kind int

const (
	KindValid Kind = iota
	KindUnknown
	KindInvalid
)

// RecordType describes one known lexicon type: its required top-level
// fields and the nested shape checks that are specific enough to matter
// (reply refs travelling together, label negation flag, ...).
type RecordType struct {
	NSID     string
	Required []string
	// Check, if set, runs after the required-field check and can reject a
	// structurally-present-but-semantically-invalid record.
	Check func(record map[string]interface{}) error
}

// Registry holds the static type table plus live counters and a bounded
// error ring, guarded by a single mutex following the teacher's
// map-plus-mutex state-tracking idiom.
type Registry struct {
	mu    sync.RWMutex
	types map[string]RecordType

	validCount   uint64
	unknownCount uint64
	invalidCount uint64

	errRing    []ValidationError
	errRingCap int
	errRingPos int
}

// ValidationError is one entry in the bounded error ring.
type ValidationError struct {
	URI string
	Typ string
	Err string
	At  time.Time
}

const defaultErrorRingCap = 1000

// New builds a registry pre-populated with every known AT-Protocol record
// type this core indexes. Additional types can be registered at runtime via
// Register, per the tagged-variant handler-table pattern.
func New() *Registry {
	r := &Registry{
		types:      make(map[string]RecordType),
		errRingCap: defaultErrorRingCap,
		errRing:    make([]ValidationError, 0, defaultErrorRingCap),
	}
	for _, t := range knownTypes() {
		r.types[t.NSID] = t
	}
	return r
}

func knownTypes() []RecordType {
	return []RecordType{
		{NSID: "app.bsky.feed.post", Required: []string{"text", "createdAt"}, Check: checkPost},
		{NSID: "app.bsky.feed.like", Required: []string{"subject", "createdAt"}},
		{NSID: "app.bsky.feed.repost", Required: []string{"subject", "createdAt"}},
		{NSID: "app.bsky.graph.follow", Required: []string{"subject", "createdAt"}},
		{NSID: "app.bsky.graph.block", Required: []string{"subject", "createdAt"}},
		{NSID: "app.bsky.graph.list", Required: []string{"purpose", "name", "createdAt"}},
		{NSID: "app.bsky.graph.listitem", Required: []string{"subject", "list", "createdAt"}},
		{NSID: "app.bsky.feed.generator", Required: []string{"did", "displayName", "createdAt"}},
		{NSID: "app.bsky.graph.starterpack", Required: []string{"name", "list", "createdAt"}},
		{NSID: "app.bsky.labeler.service", Required: []string{"createdAt"}},
		{NSID: "app.bsky.actor.profile", Required: []string{}},
		{NSID: "com.atproto.label.label", Required: []string{"src", "uri", "val", "cts"}},
		{NSID: "app.bsky.feed.threadgate", Required: []string{"post", "createdAt"}},
	}
}

// checkPost enforces the reply-reference invariant from §3: if either reply
// ref is set, both must be present.
func checkPost(record map[string]interface{}) error {
	reply, ok := record["reply"].(map[string]interface{})
	if !ok {
		return nil
	}
	_, hasParent := reply["parent"]
	_, hasRoot := reply["root"]
	if hasParent != hasRoot {
		return fmt.Errorf("reply parent and root must both be present")
	}
	return nil
}

// Register adds or replaces a record type at runtime.
func (r *Registry) Register(t RecordType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.NSID] = t
}

// Validate classifies a record by the nsid argument (its collection) against the registry,
// recording the outcome in the counters and, for invalid records, the
// bounded error ring.
func (r *Registry) Validate(uri, nsid string, record map[string]interface{}) Kind {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, known := r.types[nsid]
	if !known {
		r.unknownCount++
		return KindUnknown
	}

	if err := r.checkLocked(t, record); err != nil {
		r.invalidCount++
		r.recordErrorLocked(uri, nsid, err)
		return KindInvalid
	}

	r.validCount++
	return KindValid
}

func (r *Registry) checkLocked(t RecordType, record map[string]interface{}) error {
	for _, field := range t.Required {
		if _, ok := record[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	if t.Check != nil {
		return t.Check(record)
	}
	return nil
}

// recordErrorLocked appends to the fixed-size ring, overwriting the oldest
// entry once at capacity. Must be called with r.mu held.
func (r *Registry) recordErrorLocked(uri, nsid string, err error) {
	entry := ValidationError{URI: uri, Typ: nsid, Err: err.Error(), At: time.Now()}
	if len(r.errRing) < r.errRingCap {
		r.errRing = append(r.errRing, entry)
		return
	}
	r.errRing[r.errRingPos] = entry
	r.errRingPos = (r.errRingPos + 1) % r.errRingCap
}

// Stats is a point-in-time snapshot of the registry's counters.
type Stats struct {
	Valid   uint64
	Unknown uint64
	Invalid uint64
}

// Stats returns the current aggregate counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Valid: r.validCount, Unknown: r.unknownCount, Invalid: r.invalidCount}
}

// RecentErrors returns up to the last errRingCap validation errors, oldest
// first to newest.
func (r *Registry) RecentErrors() []ValidationError {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.errRing) < r.errRingCap {
		out := make([]ValidationError, len(r.errRing))
		copy(out, r.errRing)
		return out
	}
	out := make([]ValidationError, 0, r.errRingCap)
	out = append(out, r.errRing[r.errRingPos:]...)
	out = append(out, r.errRing[:r.errRingPos]...)
	return out
}

// Known reports whether nsid is a registered type.
func (r *Registry) Known(nsid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[nsid]
	return ok
}
