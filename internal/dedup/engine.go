// Package dedup implements the per-target bounded LRU that distinguishes
// new endpoints from ones already queued (§4.2).
package dedup

import (
	"fmt"
	"sync"

	"github.com/iastscan/iastscand/internal/record"
)

// FingerprintFunc computes a dedup key for a Record. Returning ok=false
// drops the record (whitelist behavior).
type FingerprintFunc func(*record.Record) (fp string, ok bool)

// QueuePutter is the durable-queue operation the Dedup Engine depends on.
// Implemented by internal/store.QueuePutter.
type QueuePutter interface {
	Put(target string, rec *record.Record, fingerprint string) (inserted bool, err error)
}

// Counters tracks how many records the Engine dropped as duplicates
// and how many its fingerprint function rejected.
type Counters struct {
	mu        sync.Mutex
	Duplicate uint64
	Dropped   uint64
}

func (c *Counters) incDuplicate() {
	c.mu.Lock()
	c.Duplicate++
	c.mu.Unlock()
}

func (c *Counters) incDropped() {
	c.mu.Lock()
	c.Dropped++
	c.mu.Unlock()
}

// Engine owns one bounded LRU of fingerprints per target.
type Engine struct {
	mu          sync.Mutex
	capacity    int
	buckets     map[string]*lru
	fingerprint FingerprintFunc
	queue       QueuePutter
	Counters    Counters
}

// NewEngine creates a Dedup Engine backed by queue, using fn to compute
// fingerprints (DefaultFingerprint if fn is nil) with the given
// per-target LRU capacity.
func NewEngine(queue QueuePutter, capacity int, fn FingerprintFunc) *Engine {
	if fn == nil {
		fn = DefaultFingerprint
	}
	return &Engine{
		capacity:    capacity,
		buckets:     make(map[string]*lru),
		fingerprint: fn,
		queue:       queue,
	}
}

func (e *Engine) bucket(target string) *lru {
	b, ok := e.buckets[target]
	if !ok {
		b = newLRU(e.capacity)
		e.buckets[target] = b
	}
	return b
}

// Ingest handles one observed Record (§4.2): compute the fingerprint,
// drop on whitelist or on existing-duplicate, otherwise provisionally
// insert into the LRU and ask the queue to persist it. If persistence
// fails, the provisional insertion is rolled back so a legitimately new
// fingerprint is not masked forever; if the queue reports a duplicate,
// the LRU entry is kept and the record counted as a duplicate.
func (e *Engine) Ingest(target string, rec *record.Record) (inserted bool, err error) {
	fp, ok := e.fingerprint(rec)
	if !ok {
		e.Counters.incDropped()
		return false, nil
	}

	e.mu.Lock()
	b := e.bucket(target)
	if b.Contains(fp) {
		e.mu.Unlock()
		e.Counters.incDuplicate()
		return false, nil
	}
	b.Insert(fp)
	e.mu.Unlock()

	persisted, perr := e.queue.Put(target, rec, fp)
	if perr != nil {
		e.mu.Lock()
		b.Remove(fp)
		e.mu.Unlock()
		return false, fmt.Errorf("dedup: persist fingerprint %s: %w", fp, perr)
	}
	if !persisted {
		// Lost a race with a concurrent duplicate insert at the storage
		// layer; our provisional LRU entry still correctly reflects that
		// the fingerprint now exists, so no rollback is needed.
		e.Counters.incDuplicate()
		return false, nil
	}
	return true, nil
}

// ClearTarget evicts a target's entire LRU, used when the admin surface
// issues a "clear LRU" directive (§4.1, §4.9 clean_target).
func (e *Engine) ClearTarget(target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.buckets, target)
}

// Len reports how many fingerprints are currently tracked for target.
func (e *Engine) Len(target string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.buckets[target]; ok {
		return b.Len()
	}
	return 0
}
