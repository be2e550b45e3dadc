// Package targetmgr implements the Target Manager: the synchronous
// control surface for starting, stopping, cleaning, and configuring
// Per-Target Scanners, exposed over both an HTTP admin API and a
// cloud-control NATS subject (§4.9). The target→scanner map is owned
// exclusively here; every read and write of it goes through the
// single mutex (§5 "the target→scanner map is owned exclusively
// by the Target Manager; admin operations are serialized").
package targetmgr

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iastscan/iastscand/internal/correlator"
	"github.com/iastscan/iastscand/internal/store"
)

// Spawner creates and terminates the OS-level process (or goroutine
// group, in this rework — see internal/supervisor) backing one
// scanner. Implemented by internal/supervisor.
type Spawner interface {
	Spawn(host string, port int, inboxID string) (pid int, err error)
	Terminate(pid int) error
	Alive(pid int) bool
}

// LRUClearer is the Ingest Server's "clear LRU" directive, reached from
// clean_target without internal/targetmgr importing internal/ingest.
// Implemented by ingest.Server.
type LRUClearer interface {
	ClearLRU(host string, port int)
}

// Slot is one reserved scanner capacity unit (§4.9).
type Slot struct {
	ScannerID string
	Host      string
	Port      int
	PID       int
	InboxID   string
	StartedAt time.Time
}

func target(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

// Manager owns the target→scanner map and exposes start_target,
// stop_target, clean_target, get_config, set_config, list_targets,
// list_urls, get_report, and the auto_start flag (§4.9).
type Manager struct {
	mu sync.Mutex

	capacity int
	slots    map[string]*Slot // scannerID -> slot
	byTarget map[string]*Slot // "host:port" -> slot
	nextID   int

	autoStart bool

	spawner     Spawner
	configs     *store.Configs
	queues      *store.Queues
	reports     *store.Reports
	correlators *correlator.Registry
	lruClearer  LRUClearer
}

// SetLRUClearer wires the Ingest Server's clear-LRU directive in,
// after both it and the Manager have been constructed.
func (m *Manager) SetLRUClearer(c LRUClearer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lruClearer = c
}

// New constructs a Manager with room for capacity concurrent scanners.
func New(capacity int, spawner Spawner, configs *store.Configs, queues *store.Queues, reports *store.Reports, correlators *correlator.Registry) *Manager {
	return &Manager{
		capacity:    capacity,
		slots:       make(map[string]*Slot),
		byTarget:    make(map[string]*Slot),
		spawner:     spawner,
		configs:     configs,
		queues:      queues,
		reports:     reports,
		correlators: correlators,
	}
}

// ErrCapacityReached is returned by StartTarget when every scanner
// slot is in use.
var ErrCapacityReached = fmt.Errorf("targetmgr: scanner capacity reached")

// ErrAlreadyRunning is returned by StartTarget when the target already
// has a live scanner.
var ErrAlreadyRunning = fmt.Errorf("targetmgr: target already has a scanner")

// ErrLiveScanner is returned by CleanTarget when the target still has
// a live scanner.
var ErrLiveScanner = fmt.Errorf("targetmgr: target has a live scanner")

// StartTarget reserves a slot, ensures a config row exists (copied
// from default on first creation), and spawns the scanner (§4.9).
func (m *Manager) StartTarget(host string, port int) (*Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()

	key := target(host, port)
	if _, exists := m.byTarget[key]; exists {
		return nil, ErrAlreadyRunning
	}
	if len(m.slots) >= m.capacity {
		return nil, ErrCapacityReached
	}

	if _, err := m.configs.GetOrDefault(key); err != nil {
		return nil, fmt.Errorf("targetmgr: ensure config for %s: %w", key, err)
	}

	m.nextID++
	scannerID := fmt.Sprintf("scanner-%d", m.nextID)
	// The inbox id is the leading segment of every scan_request_id the
	// scanner mints, so it must not itself contain '-'.
	inboxID := fmt.Sprintf("%d", m.nextID)

	pid, err := m.spawner.Spawn(host, port, inboxID)
	if err != nil {
		return nil, fmt.Errorf("targetmgr: spawn scanner for %s: %w", key, err)
	}

	slot := &Slot{ScannerID: scannerID, Host: host, Port: port, PID: pid, InboxID: inboxID, StartedAt: time.Now().UTC()}
	m.slots[scannerID] = slot
	m.byTarget[key] = slot
	return slot, nil
}

// StopTarget asks the Spawner to terminate the scanner, waits up to 5s
// for it to stop, then frees the slot whether or not it has stopped;
// there is no forced-kill step (§4.9).
func (m *Manager) StopTarget(scannerID string) error {
	m.mu.Lock()
	slot, ok := m.slots[scannerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("targetmgr: unknown scanner %s", scannerID)
	}

	if err := m.spawner.Terminate(slot.PID); err != nil {
		return fmt.Errorf("targetmgr: terminate scanner %s: %w", scannerID, err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !m.spawner.Alive(slot.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, scannerID)
	delete(m.byTarget, target(slot.Host, slot.Port))
	if m.correlators != nil {
		m.correlators.Close(slot.InboxID)
	}
	return nil
}

// CleanTarget truncates (urlOnly) or drops a target's queue tables;
// forbidden while a scanner is live. The report table and config row
// are left in place either way. Also tells the Ingest Server to clear
// that target's dedup LRU (§4.9).
func (m *Manager) CleanTarget(host string, port int, urlOnly bool) error {
	m.mu.Lock()
	_, live := m.byTarget[target(host, port)]
	clearer := m.lruClearer
	m.mu.Unlock()
	if live {
		return ErrLiveScanner
	}

	key := target(host, port)
	var err error
	if urlOnly {
		err = m.queues.Truncate(key)
	} else {
		err = m.queues.Drop(key)
	}
	if err != nil {
		return err
	}
	if clearer != nil {
		clearer.ClearLRU(host, port)
	}
	return nil
}

// GetConfig returns a target's config, creating it from default if
// absent (§4.9).
func (m *Manager) GetConfig(host string, port int) (*store.TargetConfig, error) {
	return m.configs.GetOrDefault(target(host, port))
}

// SetConfig validates and applies patch to a target's config, bumping
// its version (§4.9: rate bounds non-negative and min<=max, regex must
// compile, proxy URL must be http/https).
func (m *Manager) SetConfig(host string, port int, patch store.ConfigPatch) (*store.TargetConfig, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	return m.configs.Set(target(host, port), patch)
}

// ListTargets returns every slot currently occupying a scanner (§4.9).
func (m *Manager) ListTargets() []*Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reapLocked()
	out := make([]*Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScannerID < out[j].ScannerID })
	return out
}

// ListURLs lists a target's queue rows at the given status (§4.9).
func (m *Manager) ListURLs(host string, port int, status store.Status, offset, limit int) ([]*store.Endpoint, error) {
	return m.queues.ListByStatus(target(host, port), status, offset, limit)
}

// GetReport lists a target's findings (§4.9).
func (m *Manager) GetReport(host string, port int, offset, limit int) ([]*store.Finding, error) {
	return m.reports.List(target(host, port), offset, limit)
}

// SetAutoStart toggles auto_start (§4.9).
func (m *Manager) SetAutoStart(flag bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoStart = flag
}

// AutoStart reports the current auto_start flag.
func (m *Manager) AutoStart() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoStart
}

// EnsureAutoStarted starts a scanner for (host, port) if auto_start is
// on and no scanner is running for it yet — called by the Ingest
// Server on the first observed record for an unknown target (§4.9
// scenario 6, §8).
func (m *Manager) EnsureAutoStarted(host string, port int) {
	if !m.AutoStart() {
		return
	}
	m.mu.Lock()
	_, exists := m.byTarget[target(host, port)]
	m.mu.Unlock()
	if exists {
		return
	}
	m.StartTarget(host, port)
}

// reapLocked reclaims any slot whose PID the OS reports gone,
// lazily, on the next query (§4.9 "Reaping policy"). Caller must hold m.mu.
func (m *Manager) reapLocked() {
	for id, slot := range m.slots {
		if !m.spawner.Alive(slot.PID) {
			delete(m.slots, id)
			delete(m.byTarget, target(slot.Host, slot.Port))
		}
	}
}
