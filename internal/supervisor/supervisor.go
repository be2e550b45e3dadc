// Package supervisor owns process lifecycle: it starts the Ingest
// Server, the Target Manager's admin surface, and the embedded NATS
// broker as independently-restarted components, and spawns/reaps
// Per-Target Scanner goroutines on the Target Manager's behalf
// (§4.9, §5). The crash-loop/respawn-window protection is grounded on
// the teacher's captain.CaptainSupervisor (internal/captain/supervisor.go),
// generalized from a single hardcoded Captain process to an arbitrary
// named set of long-running components.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Status mirrors the teacher's CaptainStatus enum, renamed to the
// generic component it now describes.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCrashed    Status = "crashed"
	StatusRestarting Status = "restarting"
	StatusStopped    Status = "stopped"
	StatusDisabled   Status = "disabled"
)

// RunFunc is a long-running component body; it blocks until ctx is
// canceled or it fails, and returns the failure (nil on clean stop).
type RunFunc func(ctx context.Context) error

// Info is a component's status snapshot, for the admin surface.
type Info struct {
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	LastExitTime *time.Time `json:"last_exit_time,omitempty"`
	RespawnCount int        `json:"respawn_count"`
	MaxRespawns  int        `json:"max_respawns"`
}

type component struct {
	name string
	run  RunFunc

	maxRespawns    int
	windowDuration time.Duration

	mu            sync.RWMutex
	status        Status
	respawnCount  int
	respawnWindow time.Time
	startTime     time.Time
	lastErr       error
	lastExitTime  time.Time
	cancel        context.CancelFunc
}

func (c *component) info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := Info{
		Name:         c.name,
		Status:       c.status,
		RespawnCount: c.respawnCount,
		MaxRespawns:  c.maxRespawns,
	}
	if !c.startTime.IsZero() {
		t := c.startTime
		info.StartTime = &t
	}
	if !c.lastExitTime.IsZero() {
		t := c.lastExitTime
		info.LastExitTime = &t
	}
	if c.lastErr != nil {
		info.LastError = c.lastErr.Error()
	}
	return info
}

// Supervisor runs a fixed set of named components, restarting each one
// on crash up to maxRespawns times within windowDuration before
// disabling it (§4.9 "Supervisor restarts a crashed Ingest Server or
// Target Manager; scanners are reaped and can be restarted manually").
type Supervisor struct {
	mu           sync.RWMutex
	components   map[string]*component
	order        []string
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{
		components: make(map[string]*component),
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a named component. maxRespawns <= 0 defaults to 3;
// windowDuration <= 0 defaults to one minute, matching the teacher's
// crash-loop defaults.
func (s *Supervisor) Register(name string, run RunFunc, maxRespawns int, windowDuration time.Duration) {
	if maxRespawns <= 0 {
		maxRespawns = 3
	}
	if windowDuration <= 0 {
		windowDuration = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = &component{
		name:           name,
		run:            run,
		maxRespawns:    maxRespawns,
		windowDuration: windowDuration,
		status:         StatusStopped,
	}
	s.order = append(s.order, name)
}

// Start launches every registered component in its own supervised
// goroutine. ctx cancels all of them on shutdown.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.RLock()
	names := append([]string(nil), s.order...)
	s.mu.RUnlock()
	for _, name := range names {
		s.mu.RLock()
		c := s.components[name]
		s.mu.RUnlock()
		go s.supervise(ctx, c)
	}
}

// supervise runs c.run in a loop, applying crash-loop protection
// exactly as the teacher's monitorCaptain does: a clean (nil error)
// return stops the component for good; an error counts against the
// respawn window, and exceeding maxRespawns disables it.
func (s *Supervisor) supervise(parent context.Context, c *component) {
	for {
		childCtx, cancel := context.WithCancel(parent)

		c.mu.Lock()
		c.status = StatusRunning
		c.startTime = time.Now().UTC()
		c.cancel = cancel
		c.mu.Unlock()

		err := c.run(childCtx)
		cancel()

		c.mu.Lock()
		c.lastExitTime = time.Now().UTC()
		c.lastErr = err

		if parent.Err() != nil {
			c.status = StatusStopped
			c.mu.Unlock()
			return
		}

		if err == nil {
			c.status = StatusStopped
			c.mu.Unlock()
			log.Printf("[SUPERVISOR] component %s stopped cleanly", c.name)
			return
		}

		log.Printf("[SUPERVISOR] component %s crashed: %v", c.name, err)
		c.status = StatusCrashed

		now := time.Now()
		if c.respawnWindow.IsZero() || now.Sub(c.respawnWindow) > c.windowDuration {
			c.respawnWindow = now
			c.respawnCount = 1
		} else {
			c.respawnCount++
		}

		if c.respawnCount > c.maxRespawns {
			c.status = StatusDisabled
			c.mu.Unlock()
			log.Printf("[SUPERVISOR] component %s crash-looped (%d times in %v), disabling auto-restart",
				c.name, c.respawnCount, c.windowDuration)
			return
		}

		c.status = StatusRestarting
		count := c.respawnCount
		max := c.maxRespawns
		c.mu.Unlock()

		log.Printf("[SUPERVISOR] restarting %s in 2s (attempt %d/%d)", c.name, count, max)
		select {
		case <-time.After(2 * time.Second):
		case <-parent.Done():
			return
		}
	}
}

// Restart manually resets a disabled or crashed component's crash-loop
// counters and relaunches it.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.mu.RLock()
	c, ok := s.components[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown component %s", name)
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.respawnCount = 0
	c.respawnWindow = time.Time{}
	c.mu.Unlock()

	go s.supervise(ctx, c)
	return nil
}

// Status returns every component's current snapshot.
func (s *Supervisor) Status() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.components[name].info())
	}
	return out
}

// Shutdown closes the channel returned by Done; it neither cancels
// components nor waits for them (cancelling the ctx given to Start
// does that).
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Done returns the channel closed by Shutdown.
func (s *Supervisor) Done() <-chan struct{} { return s.shutdownCh }
