package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/iastscan/iastscand/internal/config"
	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/obs"
	"github.com/iastscan/iastscand/internal/plugin"
	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
	"github.com/iastscan/iastscand/internal/store"
)

// fakePlugin replays the original request unmodified and confirms a
// finding whenever a correlated record comes back, exercising the
// dispatch/correlate/check cycle without depending on a stock plugin's
// payload-matching heuristics.
type fakePlugin struct{}

func (fakePlugin) Info() plugin.Info { return plugin.Info{Name: "fake_plugin"} }

func (fakePlugin) Mutate(rec *record.Record) []*plugin.Batch {
	d, err := reqbuilder.New(rec)
	if err != nil {
		return nil
	}
	return []*plugin.Batch{{
		Drafts:            []*reqbuilder.Draft{d},
		PayloadSequenceID: "fake-seq-1",
	}}
}

func (fakePlugin) Check(batch *plugin.Batch) (*plugin.Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	return &plugin.Finding{
		Description:       "fake finding",
		PayloadSequenceID: batch.PayloadSequenceID,
		Records:           []*record.Record{batch.Replayed[0]},
	}, nil
}

func setupScannerDB(t *testing.T) (*store.Queues, *store.Configs, *store.Reports, func()) {
	t.Helper()
	f, err := os.CreateTemp("", "scanner-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	db, err := store.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	configs, err := store.NewConfigs(db)
	if err != nil {
		t.Fatal(err)
	}
	queues := store.NewQueues(db)
	reports := store.NewReports(db)
	return queues, configs, reports, func() { os.Remove(f.Name()) }
}

func TestScannerReplaysAndRecordsFinding(t *testing.T) {
	queues, configs, reports, cleanup := setupScannerDB(t)
	defer cleanup()

	reg := correlator.NewRegistry()
	const inboxID = "inbox-test"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("scan-request-id")
		w.WriteHeader(http.StatusOK)
		go func() {
			if corr := reg.Lookup(inboxID); corr != nil {
				corr.Deliver(id, &record.Record{RequestID: "agent-1", ScanRequestID: id, Path: "/hello"})
			}
		}()
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	target := fmt.Sprintf("%s:%d", host, port)

	if _, err := configs.Set(target, store.ConfigPatch{Enabled: map[string]bool{"fake_plugin": true}}); err != nil {
		t.Fatal(err)
	}

	rec := &record.Record{
		RequestID:  "orig-1",
		Host:       host,
		Port:       port,
		Method:     "get",
		Path:       "/hello",
		Query:      url.Values{},
		Parameters: url.Values{},
		Header:     textproto.MIMEHeader{},
		Sinks:      []record.Sink{{Kind: record.KindSQL}},
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queues.Put(target, recJSON, "fp-1"); err != nil {
		t.Fatal(err)
	}

	pluginReg := plugin.NewRegistry()
	if err := pluginReg.Register(fakePlugin{}); err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		Cfg:         config.Default(),
		Queues:      queues,
		Configs:     configs,
		Reports:     reports,
		Plugins:     pluginReg,
		Correlators: reg,
		Counters:    obs.NewCounters(),
	}
	run := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, host, port, inboxID) }()

	var findings []*store.Finding
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		findings, err = reports.List(target, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(findings) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].PluginName != "fake_plugin" {
		t.Fatalf("unexpected plugin name %q", findings[0].PluginName)
	}

	doneEndpoints, err := queues.ListByStatus(target, store.StatusDone, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(doneEndpoints) != 1 {
		t.Fatalf("expected 1 done endpoint, got %d", len(doneEndpoints))
	}
}

func TestScannerSkipsEndpointMatchingSkipRegex(t *testing.T) {
	queues, configs, reports, cleanup := setupScannerDB(t)
	defer cleanup()

	reg := correlator.NewRegistry()
	const inboxID = "inbox-skip"
	const host = "skip.example.com"
	const port = 80
	target := fmt.Sprintf("%s:%d", host, port)

	skip := "^/skip"
	if _, err := configs.Set(target, store.ConfigPatch{
		Enabled:   map[string]bool{"fake_plugin": true},
		SkipRegex: &skip,
	}); err != nil {
		t.Fatal(err)
	}

	rec := &record.Record{
		RequestID:  "orig-2",
		Host:       host,
		Port:       port,
		Method:     "get",
		Path:       "/skip/me",
		Query:      url.Values{},
		Parameters: url.Values{},
		Header:     textproto.MIMEHeader{},
		Sinks:      []record.Sink{{Kind: record.KindSQL}},
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queues.Put(target, recJSON, "fp-2"); err != nil {
		t.Fatal(err)
	}

	pluginReg := plugin.NewRegistry()
	if err := pluginReg.Register(fakePlugin{}); err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		Cfg:         config.Default(),
		Queues:      queues,
		Configs:     configs,
		Reports:     reports,
		Plugins:     pluginReg,
		Correlators: reg,
		Counters:    obs.NewCounters(),
	}
	run := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, host, port, inboxID) }()

	deadline := time.Now().Add(2 * time.Second)
	var eps []*store.Endpoint
	for time.Now().Before(deadline) {
		eps, err = queues.ListByStatus(target, store.StatusDone, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(eps) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if len(eps) != 1 {
		t.Fatalf("expected skipped endpoint to settle done, got %d", len(eps))
	}
	findings, err := reports.List(target, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings for skipped endpoint, got %d", len(findings))
	}
}

// TestScannerMarksEndpointFailedOnCorrelationTimeout exercises spec.md's
// "Correlation-timeout ... treated as transient-transport for the
// purposes of failed-set and counters" rule: a replay that sends fine
// but whose agent record never arrives must still land the endpoint in
// the failed set, not done.
func TestScannerMarksEndpointFailedOnCorrelationTimeout(t *testing.T) {
	queues, configs, reports, cleanup := setupScannerDB(t)
	defer cleanup()

	reg := correlator.NewRegistry()
	const inboxID = "inbox-timeout"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Never deliver a correlated record for this request.
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	host := u.Hostname()
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	target := fmt.Sprintf("%s:%d", host, port)

	if _, err := configs.Set(target, store.ConfigPatch{Enabled: map[string]bool{"fake_plugin": true}}); err != nil {
		t.Fatal(err)
	}

	rec := &record.Record{
		RequestID:  "orig-3",
		Host:       host,
		Port:       port,
		Method:     "get",
		Path:       "/hello",
		Query:      url.Values{},
		Parameters: url.Values{},
		Header:     textproto.MIMEHeader{},
		Sinks:      []record.Sink{{Kind: record.KindSQL}},
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := queues.Put(target, recJSON, "fp-3"); err != nil {
		t.Fatal(err)
	}

	pluginReg := plugin.NewRegistry()
	if err := pluginReg.Register(fakePlugin{}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Scanner.RequestTimeout = 1
	cfg.Scanner.RetryTimes = 0

	deps := Deps{
		Cfg:         cfg,
		Queues:      queues,
		Configs:     configs,
		Reports:     reports,
		Plugins:     pluginReg,
		Correlators: reg,
		Counters:    obs.NewCounters(),
	}
	run := New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, host, port, inboxID) }()

	deadline := time.Now().Add(5 * time.Second)
	var failedEps, doneEps []*store.Endpoint
	for time.Now().Before(deadline) {
		failedEps, err = queues.ListByStatus(target, store.StatusFailed, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		doneEps, err = queues.ListByStatus(target, store.StatusDone, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(failedEps) > 0 || len(doneEps) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	if len(doneEps) != 0 {
		t.Fatalf("expected no endpoint settled done on correlation timeout, got %d", len(doneEps))
	}
	if len(failedEps) != 1 {
		t.Fatalf("expected the endpoint to settle failed, got %d failed", len(failedEps))
	}
}
