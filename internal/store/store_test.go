package store

import (
	"os"
	"testing"
)

func setupTestDB(t *testing.T) (*DB, func()) {
	f, err := os.CreateTemp("", "iaststore-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	db, err := Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(f.Name())
	}
	return db, cleanup
}

func TestQueuePutClaimSettle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	q := NewQueues(db)

	target := "x.com:80"
	ok, err := q.Put(target, []byte(`{"path":"/a"}`), "fp-1")
	if err != nil || !ok {
		t.Fatalf("put: ok=%v err=%v", ok, err)
	}
	ok, err = q.Put(target, []byte(`{"path":"/a"}`), "fp-1")
	if err != nil || ok {
		t.Fatalf("expected duplicate fingerprint to be rejected: ok=%v err=%v", ok, err)
	}

	if _, err := q.Put(target, []byte(`{"path":"/b"}`), "fp-2"); err != nil {
		t.Fatal(err)
	}

	claimed, err := q.Claim(target, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claimed rows, got %d", len(claimed))
	}

	again, err := q.Claim(target, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("expected nothing left to claim, got %d", len(again))
	}

	lastID := claimed[len(claimed)-1].ID
	if err := q.Settle(target, lastID, []int64{claimed[0].ID}); err != nil {
		t.Fatal(err)
	}

	failedCount, err := q.CountByStatus(target, StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if failedCount != 1 {
		t.Fatalf("expected 1 failed row, got %d", failedCount)
	}
	doneCount, err := q.CountByStatus(target, StatusDone)
	if err != nil {
		t.Fatal(err)
	}
	if doneCount != 1 {
		t.Fatalf("expected 1 done row, got %d", doneCount)
	}
}

func TestQueueResetInProgress(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	q := NewQueues(db)
	target := "y.com:443"

	q.Put(target, []byte(`{}`), "fp-1")
	if _, err := q.Claim(target, 10); err != nil {
		t.Fatal(err)
	}
	if err := q.ResetInProgress(target); err != nil {
		t.Fatal(err)
	}
	n, err := q.CountByStatus(target, StatusNew)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected reset row to be new again, got %d new rows", n)
	}
}

func TestQueueTruncateAndDrop(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	q := NewQueues(db)
	target := "z.com:8080"

	q.Put(target, []byte(`{}`), "fp-1")
	if err := q.Truncate(target); err != nil {
		t.Fatal(err)
	}
	n, err := q.CountByStatus(target, StatusNew)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected empty queue after truncate, got %d rows", n)
	}

	q.Put(target, []byte(`{}`), "fp-2")
	if err := q.Drop(target); err != nil {
		t.Fatal(err)
	}
	// Drop must remove both the data table and its cursor table; a
	// subsequent Put recreates them from scratch rather than erroring.
	if _, err := q.Put(target, []byte(`{}`), "fp-3"); err != nil {
		t.Fatalf("expected Put to recreate dropped tables, got: %v", err)
	}
}

func TestReportsIdempotentOnPayloadSequenceID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	r := NewReports(db)
	target := "x.com:80"

	f := &Finding{PluginName: "sql_basic", Description: "sqli", RecordsJSON: []byte(`[]`), PayloadSequenceID: "seq-1"}
	ok, err := r.Insert(target, f)
	if err != nil || !ok {
		t.Fatalf("insert: ok=%v err=%v", ok, err)
	}
	ok, err = r.Insert(target, f)
	if err != nil || ok {
		t.Fatalf("expected duplicate payload_sequence_id to be ignored: ok=%v err=%v", ok, err)
	}

	findings, err := r.List(target, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
}

func TestConfigDefaultAndSet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	c, err := NewConfigs(db)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := c.GetOrDefault("x.com:80")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected fresh default-derived config at version 1, got %d", cfg.Version)
	}

	n := 10
	updated, err := c.Set("x.com:80", ConfigPatch{MaxConcurrent: &n})
	if err != nil {
		t.Fatal(err)
	}
	if updated.MaxConcurrent != 10 || updated.Version != 2 {
		t.Fatalf("unexpected config after set: %+v", updated)
	}

	list, err := c.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 target config, got %d", len(list))
	}
}
