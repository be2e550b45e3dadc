// Package cloudapi is the out-of-scope cloud reporting collaborator
// (§4.9 "cloud_api" block): this module only wires the transport a
// real uploader would use, grounded on the teacher's NATS client
// (internal/nats/client.go); it does not implement the backend
// protocol or retry/backoff policy a production uploader would need.
package cloudapi

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/iastscan/iastscand/internal/store"
)

// Uploader hands confirmed Findings off to an external collaborator.
type Uploader interface {
	Upload(target string, f *store.Finding) error
	Close()
}

// NoopUploader discards every finding; the default when cloud_api.enable
// is false (§6).
type NoopUploader struct{}

// NewNoopUploader constructs an Uploader that does nothing.
func NewNoopUploader() NoopUploader { return NoopUploader{} }

func (NoopUploader) Upload(target string, f *store.Finding) error { return nil }
func (NoopUploader) Close()                                       {}

// natsPayload is the wire shape published to the cloud-control bus.
type natsPayload struct {
	Target    string `json:"target"`
	Finding   *store.Finding `json:"finding"`
	Timestamp time.Time `json:"timestamp"`
}

// NATSUploader publishes findings to a subject on the shared NATS
// connection instead of an HTTP backend, reusing the teacher's
// reconnect-handling client construction.
type NATSUploader struct {
	conn    *nc.Conn
	subject string
}

// NewNATSUploader connects to url and returns an Uploader that
// publishes to subject.
func NewNATSUploader(url, subject string) (*NATSUploader, error) {
	conn, err := nc.Connect(url,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(c *nc.Conn, err error) {
			if err != nil {
				fmt.Printf("[CLOUDAPI] disconnected: %v\n", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			fmt.Printf("[CLOUDAPI] reconnected to %s\n", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: connect to %s: %w", url, err)
	}
	return &NATSUploader{conn: conn, subject: subject}, nil
}

// Upload publishes f for target to the configured subject.
func (u *NATSUploader) Upload(target string, f *store.Finding) error {
	payload, err := json.Marshal(natsPayload{Target: target, Finding: f, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("cloudapi: marshal finding: %w", err)
	}
	if err := u.conn.Publish(u.subject, payload); err != nil {
		return fmt.Errorf("cloudapi: publish to %s: %w", u.subject, err)
	}
	return nil
}

// Close closes the NATS connection without draining it.
func (u *NATSUploader) Close() {
	if u.conn != nil {
		u.conn.Close()
	}
}
