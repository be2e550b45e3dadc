package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// ScannerRunFunc is one Per-Target Scanner's body; it blocks until ctx
// is canceled or the scanner gives up permanently.
type ScannerRunFunc func(ctx context.Context, host string, port int, inboxID string) error

// ScannerPool spawns and reaps Per-Target Scanner goroutines on the
// Target Manager's behalf, implementing targetmgr.Spawner. Scanners
// live as goroutines rather than OS processes in this rework (§5
// note: one process group hosts every component), so "PID" here is a
// synthetic, monotonically increasing handle and "Terminate" cancels
// the scanner's context instead of sending a signal.
type ScannerPool struct {
	mu      sync.Mutex
	run     ScannerRunFunc
	nextPID int
	cancels map[int]context.CancelFunc
	alive   map[int]bool
}

// NewScannerPool builds a pool that launches run for every spawned
// scanner.
func NewScannerPool(run ScannerRunFunc) *ScannerPool {
	return &ScannerPool{
		run:     run,
		cancels: make(map[int]context.CancelFunc),
		alive:   make(map[int]bool),
	}
}

// Spawn starts a scanner goroutine for (host, port) and returns its
// synthetic PID.
func (p *ScannerPool) Spawn(host string, port int, inboxID string) (int, error) {
	p.mu.Lock()
	p.nextPID++
	pid := p.nextPID
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[pid] = cancel
	p.alive[pid] = true
	p.mu.Unlock()

	go func() {
		err := p.run(ctx, host, port, inboxID)
		if err != nil {
			log.Printf("[SUPERVISOR] scanner %s:%d (pid %d) exited: %v", host, port, pid, err)
		} else {
			log.Printf("[SUPERVISOR] scanner %s:%d (pid %d) stopped", host, port, pid)
		}
		p.mu.Lock()
		p.alive[pid] = false
		p.mu.Unlock()
	}()

	return pid, nil
}

// Terminate cancels the scanner's context; the goroutine is expected
// to observe ctx.Done() and return promptly.
func (p *ScannerPool) Terminate(pid int) error {
	p.mu.Lock()
	cancel, ok := p.cancels[pid]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: unknown scanner pid %d", pid)
	}
	cancel()
	return nil
}

// Alive reports whether the scanner goroutine for pid is still
// running.
func (p *ScannerPool) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}
