package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// BrokerConfig configures the embedded NATS broker the cloud-control
// bus runs over (§4.9, §5 "fork-server
// goroutine for the embedded message broker"), adapted from the
// teacher's EmbeddedServerConfig (internal/nats/server.go).
type BrokerConfig struct {
	Host string
	Port int
}

// Broker wraps an in-process NATS server, started and stopped as one
// Supervisor component.
type Broker struct {
	mu      sync.RWMutex
	cfg     BrokerConfig
	server  *server.Server
	running bool
}

// NewBroker constructs a Broker; Port defaults to 4222, Host to
// 127.0.0.1, matching the teacher's defaults.
func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.Port <= 0 {
		cfg.Port = 4222
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Broker{cfg: cfg}
}

// Start boots the broker and blocks until it is ready for connections.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("supervisor: broker already running")
	}

	opts := &server.Options{
		Host:       b.cfg.Host,
		Port:       b.cfg.Port,
		NoLog:      false,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("supervisor: create broker: %w", err)
	}

	b.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("supervisor: broker not ready for connections")
	}
	b.running = true
	return nil
}

// Shutdown stops the broker and waits for it to finish draining.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.server.WaitForShutdown()
	b.running = false
	b.server = nil
}

// URL is the broker's client connection URL.
func (b *Broker) URL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("nats://%s:%d", b.cfg.Host, b.cfg.Port)
}

// Run adapts Start/Shutdown to the Supervisor's RunFunc shape: it
// blocks until ctx is canceled, then shuts the broker down.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	b.Shutdown()
	return nil
}
