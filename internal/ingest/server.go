// Package ingest implements the Ingest Server: the single HTTP
// listener every instrumented application's agent posts records to. It
// classifies each submission as a replay (routed to the issuing
// scanner's Correlator) or observed traffic (routed through the Dedup
// Engine into the Durable Queue), per §4.1.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	xrate "golang.org/x/time/rate"

	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/dedup"
	"github.com/iastscan/iastscand/internal/obs"
	"github.com/iastscan/iastscand/internal/record"
)

// TargetStarter is the subset of internal/targetmgr.Manager the Ingest
// Server needs: auto-starting a scanner for a newly observed target
// (§4.1 scenario 6, §4.9).
type TargetStarter interface {
	EnsureAutoStarted(host string, port int)
}

// Config configures one Ingest Server instance (§6 "preprocessor"
// block).
type Config struct {
	HTTPPort   int
	APIPath    string
	ProcessNum int
}

type clearDirective struct {
	host string
	port int
}

// Server classifies and routes every agent submission. ProcessNum
// concurrent handlers are modeled as a single listener gated by an
// x/time/rate limiter sized to process_num (§4.1 "[ADD]"), since
// portably binding N listeners to one port isn't available without
// platform-specific syscalls the rest of the corpus never needed
// either.
type Server struct {
	httpServer *http.Server
	router     *mux.Router

	apiPath     string
	correlators *correlator.Registry
	dedup       *dedup.Engine
	targets     TargetStarter
	counters    *obs.Counters

	limiter *xrate.Limiter
	clearCh chan clearDirective
}

// New builds an Ingest Server bound to cfg.HTTPPort, not yet listening.
func New(cfg Config, correlators *correlator.Registry, dedupEngine *dedup.Engine, targets TargetStarter, counters *obs.Counters) *Server {
	processNum := cfg.ProcessNum
	if processNum <= 0 {
		processNum = 1
	}
	apiPath := cfg.APIPath
	if apiPath == "" {
		apiPath = "/iast"
	}

	s := &Server{
		apiPath:     apiPath,
		correlators: correlators,
		dedup:       dedupEngine,
		targets:     targets,
		counters:    counters,
		limiter:     xrate.NewLimiter(xrate.Limit(processNum), processNum),
		clearCh:     make(chan clearDirective, 32),
	}

	s.router = mux.NewRouter()
	s.router.HandleFunc(apiPath, s.handleSubmit)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: s.router,
	}
	return s
}

// ClearLRU queues a "clear LRU" directive for (host, port), applied
// before the next observed-record dedup check. Implements
// targetmgr.LRUClearer so clean_target can reach the Ingest Server
// without the two packages importing each other (§4.9 clean_target,
// §4.1).
func (s *Server) ClearLRU(host string, port int) {
	select {
	case s.clearCh <- clearDirective{host: host, port: port}:
	default:
		log.Printf("[INGEST] clear-LRU channel full, dropping directive for %s:%d", host, port)
	}
}

// Run starts the listener and the clear-LRU drain loop, blocking until
// ctx is canceled (§4.10: the Ingest Server is one Supervisor-owned
// component).
func (s *Server) Run(ctx context.Context) error {
	go s.drainClears(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) drainClears(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.clearCh:
			s.dedup.ClearTarget(fmt.Sprintf("%s:%d", d.host, d.port))
		}
	}
}

type wireResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// handleSubmit implements the agent wire contract (§6): POST-only,
// application/json-only, always JSON {"status":0|1,"msg":...} on
// success or validation failure, 415/405/500 otherwise.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	if err := s.limiter.Wait(r.Context()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.counters.Inc("ingest", "invalid", 1)
		writeJSON(w, wireResponse{Status: 1, Msg: "data invalid"})
		return
	}

	scanRequestID := r.Header.Get("scan-request-id")
	rec, err := record.ParseRecord(body, scanRequestID)
	if err != nil {
		s.counters.Inc("ingest", "invalid", 1)
		log.Printf("[INGEST] invalid submission: %v", err)
		writeJSON(w, wireResponse{Status: 1, Msg: "data invalid"})
		return
	}

	if rec.IsReplay() {
		s.routeReplay(rec)
	} else {
		s.routeObserved(rec)
	}
	writeJSON(w, wireResponse{Status: 0, Msg: "ok"})
}

// routeReplay implements §4.1's classification rule: hand the record
// to the scanner inbox named by the leading segment of
// scan-request-id. An unregistered id is dropped and counted (§4.1
// scenario 2, "dropped rasp result").
func (s *Server) routeReplay(rec *record.Record) {
	inboxID := rec.InboxID()
	corr := s.correlators.Lookup(inboxID)
	if corr == nil || !corr.Deliver(rec.ScanRequestID, rec) {
		s.counters.Inc("ingest", "dropped_replay", 1)
		log.Printf("[INGEST] dropped rasp result for unregistered id %s", rec.ScanRequestID)
	}
}

// routeObserved auto-starts a scanner for a never-before-seen target
// (if enabled) and hands the record to the Dedup Engine (§4.1, §4.2).
func (s *Server) routeObserved(rec *record.Record) {
	if s.targets != nil {
		s.targets.EnsureAutoStarted(rec.Host, rec.Port)
	}
	target := rec.HostPort()
	if _, err := s.dedup.Ingest(target, rec); err != nil {
		log.Printf("[INGEST] dedup ingest for %s: %v", target, err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[INGEST] encode response: %v", err)
	}
}
