// Package scanner implements the Per-Target Scanner: the loop that
// claims queued endpoints for one target, runs every enabled Attack
// Plugin's mutate/replay/check cycle against each, and settles the
// claim back to the Durable Queue (§4.6, §4.7). One scanner instance
// owns exactly one target and is spawned/reaped by
// internal/supervisor.ScannerPool on internal/targetmgr.Manager's
// behalf.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iastscan/iastscand/internal/config"
	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/obs"
	"github.com/iastscan/iastscand/internal/plugin"
	"github.com/iastscan/iastscand/internal/rate"
	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
	"github.com/iastscan/iastscand/internal/store"
	"github.com/iastscan/iastscand/internal/supervisor"
)

const (
	// minFetchCount/initialFetchCount/fetchCeiling and the two
	// drain-poll thresholds are the literal numeric algorithm from §4.7:
	// fetch_count starts at 20, is clamped to [5, 300-remaining], and is
	// doubled/held/halved depending on how many pollInterval ticks the
	// just-claimed backlog took to drain (≤10 polls: double; 10-20:
	// hold; >20: halve). This scanner claims the next batch only after
	// the previous one is fully settled (§4.7's "processClaim" drains
	// synchronously), so scan_queue_remaining is always 0 at the moment
	// fetch_count is computed and the clamp's ceiling simplifies to a
	// flat 300.
	minFetchCount      = 5
	initialFetchCount  = 20
	fetchCeiling       = 300
	fastDrainPolls     = 10
	slowDrainPolls     = 20
	pollInterval       = 250 * time.Millisecond
	// retryPause is the 1-second pause §4.7 mandates between replay
	// retry attempts on timeout/transport error (spec.md:147).
	retryPause = time.Second
)

// Deps are the collaborators one scanner needs, shared across every
// target's instance.
type Deps struct {
	Cfg         config.Config
	Queues      *store.Queues
	Configs     *store.Configs
	Reports     *store.Reports
	Plugins     *plugin.Registry
	Correlators *correlator.Registry
	Counters    *obs.Counters
	// FindingNotifier, if set, is told about every newly confirmed
	// Finding (§4.9 [ADD] admin live-tail). Optional: nil disables it.
	FindingNotifier FindingNotifier
}

// FindingNotifier is the Target Manager's live-tail hook, implemented
// by internal/targetmgr.Server.Hub so a scanner can push a confirmed
// Finding out to connected admin WebSocket clients without importing
// internal/targetmgr.
type FindingNotifier interface {
	NotifyFinding(target, pluginName string, f *store.Finding)
}

// New builds the supervisor.ScannerRunFunc that internal/supervisor's
// ScannerPool spawns per (host, port, inboxID).
func New(deps Deps) supervisor.ScannerRunFunc {
	return func(ctx context.Context, host string, port int, inboxID string) error {
		s := &scanner{
			deps:    deps,
			host:    host,
			port:    port,
			inboxID: inboxID,
			target:  fmt.Sprintf("%s:%d", host, port),
		}
		return s.run(ctx)
	}
}

type scanner struct {
	deps    Deps
	host    string
	port    int
	inboxID string
	target  string

	mu             sync.Mutex
	cfgVersion     int
	enabledPlugins []plugin.Plugin
	skipRE         *regexp.Regexp
	httpClient     *http.Client
	requestTimeout time.Duration
	retryTimes     int
	sched          *rate.Scheduler
	lim            *limiter
}

func (s *scanner) countersModule() string { return "scanner:" + s.target }

// run is the scanner's body (§4.7): reset any claim a prior crashed
// instance left in-progress, load config, then alternate between
// ticking the Rate Scheduler and polling the Durable Queue for work
// until ctx is canceled.
func (s *scanner) run(ctx context.Context) error {
	if err := s.deps.Queues.ResetInProgress(s.target); err != nil {
		return fmt.Errorf("scanner: reset in-progress for %s: %w", s.target, err)
	}
	if err := s.reloadConfig(); err != nil {
		return fmt.Errorf("scanner: initial config load for %s: %w", s.target, err)
	}

	corr := s.deps.Correlators.Open(s.inboxID)
	defer s.deps.Correlators.Close(s.inboxID)

	scheduleTicker := time.NewTicker(s.deps.Cfg.ScheduleInterval())
	defer scheduleTicker.Stop()
	lastTick := time.Now()

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()

	fetchCount := initialFetchCount

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-scheduleTicker.C:
			s.tickScheduler(ctx, now.Sub(lastTick))
			lastTick = now
			continue
		case <-pollTicker.C:
		}

		if err := s.maybeReloadConfig(); err != nil {
			log.Printf("[SCANNER] %s: config reload: %v", s.target, err)
		}

		endpoints, err := s.deps.Queues.Claim(s.target, fetchCount)
		if err != nil {
			log.Printf("[SCANNER] %s: claim: %v", s.target, err)
			continue
		}
		if len(endpoints) == 0 {
			continue
		}

		drainStart := time.Now()
		s.processClaim(ctx, corr, endpoints)
		polls := int(time.Since(drainStart) / pollInterval)

		switch {
		case polls <= fastDrainPolls:
			fetchCount = min(fetchCount*2, fetchCeiling)
		case polls <= slowDrainPolls:
			// held
		default:
			fetchCount = max(fetchCount/2, minFetchCount)
		}
	}
}

// processClaim runs every endpoint in a claimed batch concurrently and
// settles the whole batch in one call, marking an endpoint failed if
// any replay attempt for it exhausted its retry budget — whether the
// send itself failed or the correlated record never arrived in time
// (§4.7 "After exhaustion, the task id is added to the scanner's failed
// set"; §7 "Correlation-timeout ... treated as transient-transport for
// the purposes of failed-set and counters"; §4.4 "disjoint done/failed
// marking").
func (s *scanner) processClaim(ctx context.Context, corr *correlator.Correlator, endpoints []*store.Endpoint) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failedIDs []int64
	lastID := endpoints[len(endpoints)-1].ID

	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep *store.Endpoint) {
			defer wg.Done()
			if s.processEndpoint(ctx, corr, ep) {
				mu.Lock()
				failedIDs = append(failedIDs, ep.ID)
				mu.Unlock()
			}
		}(ep)
	}
	wg.Wait()

	if err := s.deps.Queues.Settle(s.target, lastID, failedIDs); err != nil {
		log.Printf("[SCANNER] %s: settle up to %d: %v", s.target, lastID, err)
	}
}

// processEndpoint decodes one queued endpoint and runs every enabled
// plugin's mutate/replay/check cycle against it, returning true if any
// replay attempt across any plugin's batches failed to either send or
// correlate (§4.7, §7).
func (s *scanner) processEndpoint(ctx context.Context, corr *correlator.Correlator, ep *store.Endpoint) bool {
	var rec record.Record
	if err := json.Unmarshal(ep.RecordJSON, &rec); err != nil {
		log.Printf("[SCANNER] %s: decode endpoint %d: %v", s.target, ep.ID, err)
		return true
	}

	s.mu.Lock()
	skipRE := s.skipRE
	plugins := s.enabledPlugins
	s.mu.Unlock()

	if skipRE != nil && skipRE.MatchString(rec.Path) {
		return false
	}

	sawFailure := false
	for _, p := range plugins {
		for _, batch := range p.Mutate(&rec) {
			if s.dispatchBatch(ctx, corr, batch) {
				sawFailure = true
			}

			finding, err := p.Check(batch)
			if err != nil {
				log.Printf("[SCANNER] %s: plugin %s check: %v", s.target, p.Info().Name, err)
				continue
			}
			if finding != nil {
				s.recordFinding(p.Info().Name, finding)
			}
		}
	}
	return sawFailure
}

// dispatchBatch sends every draft in batch concurrently, filling
// batch.Replayed in order, and reports whether any draft in the batch
// failed to send or correlate.
func (s *scanner) dispatchBatch(ctx context.Context, corr *correlator.Correlator, batch *plugin.Batch) bool {
	batch.Replayed = make([]*record.Record, len(batch.Drafts))
	var wg sync.WaitGroup
	var failed int32
	for i, d := range batch.Drafts {
		wg.Add(1)
		go func(i int, d *reqbuilder.Draft) {
			defer wg.Done()
			rec, attemptFailed := s.dispatchDraft(ctx, corr, d)
			batch.Replayed[i] = rec
			if attemptFailed {
				atomic.AddInt32(&failed, 1)
			}
		}(i, d)
	}
	wg.Wait()
	return failed > 0
}

// dispatchDraft stamps a fresh scan_request_id, registers a correlator
// waiter before sending (so a fast agent submission can never race
// ahead of registration), sends the request with the configured retry
// budget, and awaits the correlated record (§4.1, §4.3, §4.5). A
// correlation timeout is itself a failed attempt (§7
// "Correlation-timeout ... treated as transient-transport for the
// purposes of failed-set and counters"), not merely a counter bump.
func (s *scanner) dispatchDraft(ctx context.Context, corr *correlator.Correlator, d *reqbuilder.Draft) (*record.Record, bool) {
	id := d.NewScanRequestID(s.inboxID)

	s.mu.Lock()
	timeout := s.requestTimeout * time.Duration(s.retryTimes+1)
	s.mu.Unlock()
	corr.Register(id, timeout)

	if !s.send(ctx, d) {
		s.deps.Counters.Inc(s.countersModule(), "failed_requests", 1)
		return nil, true
	}

	result, err := corr.Await(ctx, id)
	if err != nil {
		if err == correlator.ErrExpired {
			s.deps.Counters.Inc(s.countersModule(), "correlation_timeouts", 1)
		}
		return nil, true
	}
	rec, _ := result.(*record.Record)
	return rec, false
}

// send dispatches d, retrying up to retryTimes on transport error with
// a 1-second pause between attempts (spec.md:147), paced and bounded by
// the scanner's limiter (§4.5, §4.8) — two independent mechanisms: the
// limiter gates how many requests are in flight at once, the pause
// bounds how fast one draft is retried after a failure.
func (s *scanner) send(ctx context.Context, d *reqbuilder.Draft) bool {
	s.mu.Lock()
	client := s.httpClient
	lim := s.lim
	retries := s.retryTimes
	s.mu.Unlock()

	for attempt := 0; attempt <= retries; attempt++ {
		release, err := lim.Acquire(ctx)
		if err != nil {
			return false
		}

		req, err := d.Request()
		if err != nil {
			release()
			return false
		}
		req = req.WithContext(ctx)

		resp, err := client.Do(req)
		release()
		if err == nil {
			resp.Body.Close()
			s.deps.Counters.Inc(s.countersModule(), "requests_sent", 1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt < retries {
			select {
			case <-time.After(retryPause):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}

// recordFinding persists a confirmed vulnerability, idempotent on
// PayloadSequenceID (§4.6, §3).
func (s *scanner) recordFinding(pluginName string, f *plugin.Finding) {
	recordsJSON, err := json.Marshal(f.Records)
	if err != nil {
		log.Printf("[SCANNER] %s: marshal finding records: %v", s.target, err)
		return
	}
	finding := &store.Finding{
		PluginName:        pluginName,
		Description:       f.Description,
		RecordsJSON:       recordsJSON,
		PayloadSequenceID: f.PayloadSequenceID,
		Message:           f.Message,
	}
	inserted, err := s.deps.Reports.Insert(s.target, finding)
	if err != nil {
		log.Printf("[SCANNER] %s: insert finding: %v", s.target, err)
		return
	}
	if inserted {
		s.deps.Counters.Inc(s.countersModule(), "findings", 1)
		log.Printf("[SCANNER] %s: %s confirmed by %s", s.target, f.Description, pluginName)
		if s.deps.FindingNotifier != nil {
			s.deps.FindingNotifier.NotifyFinding(s.target, pluginName, finding)
		}
	}
}

// reloadConfig loads the target's current config unconditionally, used
// once at startup.
func (s *scanner) reloadConfig() error {
	cfg, err := s.deps.Configs.GetOrDefault(s.target)
	if err != nil {
		return err
	}
	s.applyConfig(cfg)
	return nil
}

// maybeReloadConfig re-applies the target's config only if its version
// has advanced since the last load, so a running scanner picks up
// set_config changes without a restart (§4.9).
func (s *scanner) maybeReloadConfig() error {
	cfg, err := s.deps.Configs.GetOrDefault(s.target)
	if err != nil {
		return err
	}
	s.mu.Lock()
	changed := cfg.Version != s.cfgVersion
	s.mu.Unlock()
	if !changed {
		return nil
	}
	s.applyConfig(cfg)
	log.Printf("[SCANNER] %s: reloaded config to version %d", s.target, cfg.Version)
	return nil
}

func (s *scanner) applyConfig(cfg *store.TargetConfig) {
	var skipRE *regexp.Regexp
	if cfg.SkipRegex != "" {
		re, err := regexp.Compile(cfg.SkipRegex)
		if err != nil {
			log.Printf("[SCANNER] %s: invalid skip_regex %q: %v", s.target, cfg.SkipRegex, err)
		} else {
			skipRE = re
		}
	}

	requestTimeout := s.deps.Cfg.RequestTimeout()
	client := newHTTPClient(requestTimeout, cfg.ProxyURL)

	bounds := rate.Bounds{
		MaxInFlight: cfg.MaxConcurrent,
		MinInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		MaxInterval: time.Duration(cfg.MaxIntervalMs) * time.Millisecond,
	}
	thresholds := rate.Thresholds{
		CPUHigh: float64(s.deps.Cfg.Monitor.MaxCPU),
		CPULow:  float64(s.deps.Cfg.Monitor.MinCPU),
	}
	sched := rate.New(bounds, thresholds, nil)

	s.mu.Lock()
	s.cfgVersion = cfg.Version
	s.enabledPlugins = s.deps.Plugins.Enabled(cfg.Enabled)
	s.skipRE = skipRE
	s.httpClient = client
	s.requestTimeout = requestTimeout
	s.retryTimes = s.deps.Cfg.Scanner.RetryTimes
	s.sched = sched
	if s.lim == nil {
		s.lim = newLimiter(sched.MaxInFlight, sched.Interval)
	} else {
		s.lim.Reconfigure(sched.MaxInFlight, sched.Interval)
	}
	s.mu.Unlock()
}

// tickScheduler advances the Rate Scheduler by one step and applies its
// decision to the limiter (§4.8).
func (s *scanner) tickScheduler(ctx context.Context, elapsed time.Duration) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched == nil {
		return
	}

	counters := rate.Counters{
		CorrelationTimeouts: s.deps.Counters.Get(s.countersModule(), "correlation_timeouts"),
		FailedRequests:      s.deps.Counters.Get(s.countersModule(), "failed_requests"),
		RequestsSent:        s.deps.Counters.Get(s.countersModule(), "requests_sent"),
	}
	if _, err := sched.Tick(ctx, counters, elapsed); err != nil {
		log.Printf("[SCANNER] %s: rate scheduler tick: %v", s.target, err)
		return
	}

	s.mu.Lock()
	s.lim.Reconfigure(sched.MaxInFlight, sched.Interval)
	s.mu.Unlock()
}

func newHTTPClient(timeout time.Duration, proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		} else {
			log.Printf("[SCANNER] invalid proxy_url %q: %v", proxyURL, err)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
