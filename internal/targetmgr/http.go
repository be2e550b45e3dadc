package targetmgr

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/iastscan/iastscand/internal/store"
)

// Server is the Target Manager's HTTP admin surface (§4.9), built the
// way the teacher wires gorilla/mux subrouters (internal/server/server.go).
type Server struct {
	mgr    *Manager
	router *mux.Router
	hub    *Hub
}

// NewServer builds the admin router for mgr, mounted at "/admin", with
// a live-tail WebSocket hub at "/admin/live" (§4.9 [ADD]).
func NewServer(mgr *Manager) *Server {
	return NewServerWithHub(mgr, NewHub())
}

// NewServerWithHub is like NewServer but reuses a Hub constructed
// earlier — needed when the Hub must also be wired as the scanner
// pool's FindingNotifier before the Manager (and hence the Server) can
// be built.
func NewServerWithHub(mgr *Manager, hub *Hub) *Server {
	s := &Server{mgr: mgr, router: mux.NewRouter(), hub: hub}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

// Hub exposes the live-tail broadcast hub so callers (e.g. the scanner
// host, on every confirmed Finding) can push Events to connected admin
// clients.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/admin").Subrouter()
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET")
	api.HandleFunc("/targets/{host}/{port}/start", s.handleStartTarget).Methods("POST")
	api.HandleFunc("/scanners/{id}/stop", s.handleStopTarget).Methods("POST")
	api.HandleFunc("/targets/{host}/{port}/clean", s.handleCleanTarget).Methods("POST")
	api.HandleFunc("/targets/{host}/{port}/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/targets/{host}/{port}/config", s.handleSetConfig).Methods("PUT", "PATCH")
	api.HandleFunc("/targets/{host}/{port}/urls", s.handleListURLs).Methods("GET")
	api.HandleFunc("/targets/{host}/{port}/report", s.handleGetReport).Methods("GET")
	api.HandleFunc("/auto_start", s.handleGetAutoStart).Methods("GET")
	api.HandleFunc("/auto_start", s.handleSetAutoStart).Methods("PUT")
	api.HandleFunc("/live", s.hub.ServeWS)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[TARGETMGR] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func hostPort(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		return "", 0, err
	}
	return vars["host"], port, nil
}

func pageParams(r *http.Request) (offset, limit int) {
	limit = 100
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return offset, limit
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ListTargets())
}

func (s *Server) handleStartTarget(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slot, err := s.mgr.StartTarget(host, port)
	if err != nil {
		switch err {
		case ErrAlreadyRunning, ErrCapacityReached:
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	s.hub.Broadcast(Event{Type: "target_started", Data: slot})
	writeJSON(w, http.StatusCreated, slot)
}

func (s *Server) handleStopTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.mgr.StopTarget(id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.hub.Broadcast(Event{Type: "target_stopped", Data: map[string]string{"scanner_id": id}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleCleanTarget(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	urlOnly := r.URL.Query().Get("urls_only") == "true"
	if err := s.mgr.CleanTarget(host, port, urlOnly); err != nil {
		if err == ErrLiveScanner {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.mgr.GetConfig(host, port)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var patch store.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.mgr.SetConfig(host, port, patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleListURLs(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := store.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = store.StatusNew
	}
	offset, limit := pageParams(r)
	endpoints, err := s.mgr.ListURLs(host, port, status, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoints)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	host, port, err := hostPort(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, limit := pageParams(r)
	findings, err := s.mgr.GetReport(host, port, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleGetAutoStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"auto_start": s.mgr.AutoStart()})
}

func (s *Server) handleSetAutoStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AutoStart bool `json:"auto_start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.mgr.SetAutoStart(body.AutoStart)
	writeJSON(w, http.StatusOK, map[string]bool{"auto_start": body.AutoStart})
}
