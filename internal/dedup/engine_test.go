package dedup

import (
	"fmt"
	"testing"

	"github.com/iastscan/iastscand/internal/record"
)

type fakeQueue struct {
	seen    map[string]bool
	failNext bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (f *fakeQueue) Put(target string, rec *record.Record, fingerprint string) (bool, error) {
	if f.failNext {
		f.failNext = false
		return false, fmt.Errorf("storage fatal")
	}
	key := target + "|" + fingerprint
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func rec(path string) *record.Record {
	return &record.Record{Path: path, Parameters: map[string][]string{}, Query: map[string][]string{}}
}

func TestEngineDedupesByFingerprint(t *testing.T) {
	q := newFakeQueue()
	e := NewEngine(q, 100, nil)

	ok, err := e.Ingest("x.com:80", rec("/a"))
	if err != nil || !ok {
		t.Fatalf("expected first insert to succeed: ok=%v err=%v", ok, err)
	}

	ok, err = e.Ingest("x.com:80", rec("/a"))
	if err != nil || ok {
		t.Fatalf("expected duplicate to be dropped: ok=%v err=%v", ok, err)
	}
	if e.Counters.Duplicate != 1 {
		t.Fatalf("expected 1 duplicate counted, got %d", e.Counters.Duplicate)
	}
}

func TestEngineRollsBackOnPersistFailure(t *testing.T) {
	q := newFakeQueue()
	q.failNext = true
	e := NewEngine(q, 100, nil)

	ok, err := e.Ingest("x.com:80", rec("/a"))
	if err == nil || ok {
		t.Fatalf("expected persist failure to surface: ok=%v err=%v", ok, err)
	}
	if e.Len("x.com:80") != 0 {
		t.Fatalf("expected rollback to remove provisional entry, len=%d", e.Len("x.com:80"))
	}

	// Retry should succeed now that the provisional entry was rolled back.
	ok, err = e.Ingest("x.com:80", rec("/a"))
	if err != nil || !ok {
		t.Fatalf("expected retry to succeed: ok=%v err=%v", ok, err)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	l := newLRU(2)
	l.Insert("a")
	l.Insert("b")
	l.Insert("c") // evicts "a"

	if l.Contains("a") {
		t.Fatalf("expected a to be evicted")
	}
	if !l.Contains("b") || !l.Contains("c") {
		t.Fatalf("expected b and c to remain")
	}
}
