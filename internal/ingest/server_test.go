package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/dedup"
	"github.com/iastscan/iastscand/internal/obs"
	"github.com/iastscan/iastscand/internal/store"
)

type fakeTargetStarter struct {
	calls []string
}

func (f *fakeTargetStarter) EnsureAutoStarted(host string, port int) {
	f.calls = append(f.calls, host)
	_ = port
}

func setupServer(t *testing.T) (*Server, *store.Queues, *fakeTargetStarter, *correlator.Registry, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "ingest-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	db, err := store.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	queues := store.NewQueues(db)
	putter := store.QueuePutter{Queues: queues}
	dedupEngine := dedup.NewEngine(putter, 1024, nil)

	reg := correlator.NewRegistry()
	starter := &fakeTargetStarter{}
	srv := New(Config{HTTPPort: 0, APIPath: "/iast", ProcessNum: 4}, reg, dedupEngine, starter, obs.NewCounters())

	return srv, queues, starter, reg, func() { os.Remove(f.Name()) }
}

func TestHandleSubmitRejectsNonPost(t *testing.T) {
	srv, _, _, _, cleanup := setupServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/iast", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleSubmitRejectsWrongContentType(t *testing.T) {
	srv, _, _, _, cleanup := setupServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/iast", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestHandleSubmitRoutesObservedRecordToDedup(t *testing.T) {
	srv, queues, starter, _, cleanup := setupServer(t)
	defer cleanup()

	body := `{"context":{"requestId":"r1","method":"GET","path":"/foo","host":"example.com","port":80,"parameter":{},"header":{}},"hook_info":[]}`
	req := httptest.NewRequest(http.MethodPost, "/iast", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp wireResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != 0 {
		t.Fatalf("expected status 0, got %d (%s)", resp.Status, resp.Msg)
	}

	if len(starter.calls) != 1 || starter.calls[0] != "example.com" {
		t.Fatalf("expected auto-start call for example.com, got %v", starter.calls)
	}

	endpoints, err := queues.ListByStatus("example.com:80", store.StatusNew, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 queued endpoint, got %d", len(endpoints))
	}
}

func TestHandleSubmitRoutesReplayToCorrelator(t *testing.T) {
	srv, _, _, reg, cleanup := setupServer(t)
	defer cleanup()

	corr := reg.Open("inbox1")
	const id = "inbox1-req1"
	corr.Register(id, time.Second)

	resultCh := make(chan interface{}, 1)
	go func() {
		v, err := corr.Await(context.Background(), id)
		if err != nil {
			t.Error(err)
			return
		}
		resultCh <- v
	}()

	body := `{"context":{"requestId":"r1","method":"GET","path":"/foo","host":"example.com","port":80,"parameter":{},"header":{}},"hook_info":[]}`
	req := httptest.NewRequest(http.MethodPost, "/iast", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("scan-request-id", id)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case <-resultCh:
	case <-time.After(time.Second):
		t.Fatal("correlator never delivered the replayed record")
	}
}

func TestHandleSubmitDropsUnregisteredReplay(t *testing.T) {
	srv, _, _, _, cleanup := setupServer(t)
	defer cleanup()

	body := `{"context":{"requestId":"r1","method":"GET","path":"/foo","host":"example.com","port":80,"parameter":{},"header":{}},"hook_info":[]}`
	req := httptest.NewRequest(http.MethodPost, "/iast", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("scan-request-id", "unknown-inbox-req1")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := srv.counters.Get("ingest", "dropped_replay"); got != 1 {
		t.Fatalf("expected dropped_replay counter 1, got %d", got)
	}
}
