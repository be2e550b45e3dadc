package targetmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/iastscan/iastscand/internal/store"
)

// NATSSubjects are the request/reply subjects the cloud-control bus
// uses to drive the HTTP admin API's operations (§4.9); list_urls has
// no subject and is reachable over HTTP only.
const (
	SubjectListTargets = "iastscand.targets.list"
	SubjectStartTarget = "iastscand.targets.start"
	SubjectStopTarget  = "iastscand.targets.stop"
	SubjectCleanTarget = "iastscand.targets.clean"
	SubjectGetConfig   = "iastscand.config.get"
	SubjectSetConfig   = "iastscand.config.set"
	SubjectGetReport   = "iastscand.report.get"
	SubjectAutoStart   = "iastscand.autostart"
)

// natsRequest/natsReply are the envelopes every subject shares; Payload
// carries the subject-specific JSON body.
type natsRequest struct {
	Host    string          `json:"host,omitempty"`
	Port    int             `json:"port,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type natsReply struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// NATSBridge subscribes mgr's operations onto the NATS connection conn,
// reusing the teacher's client construction idiom (internal/nats/client.go)
// generalized to request/reply instead of publish/subscribe.
type NATSBridge struct {
	mgr  *Manager
	subs []*nc.Subscription
}

// NewNATSBridge subscribes every admin subject on conn and returns the
// bridge; call Close to unsubscribe.
func NewNATSBridge(conn *nc.Conn, mgr *Manager) (*NATSBridge, error) {
	b := &NATSBridge{mgr: mgr}
	handlers := map[string]nc.MsgHandler{
		SubjectListTargets: b.handleListTargets,
		SubjectStartTarget: b.handleStartTarget,
		SubjectStopTarget:  b.handleStopTarget,
		SubjectCleanTarget: b.handleCleanTarget,
		SubjectGetConfig:   b.handleGetConfig,
		SubjectSetConfig:   b.handleSetConfig,
		SubjectGetReport:   b.handleGetReport,
		SubjectAutoStart:   b.handleAutoStart,
	}
	for subject, handler := range handlers {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("targetmgr: subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	return b, nil
}

// Close unsubscribes every subject the bridge registered.
func (b *NATSBridge) Close() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[TARGETMGR] unsubscribe %s: %v", sub.Subject, err)
		}
	}
}

// RunBridge connects to the embedded broker at url, subscribes every
// admin subject against mgr, and blocks until ctx is canceled, then
// unsubscribes and closes the connection — the supervisor.RunFunc shape
// that makes the cloud-control transport in §4.9 an actual Supervisor
// component alongside the HTTP admin API, instead of built-but-unused
// code. Connect options mirror the teacher's reconnect handling
// (internal/nats/client.go, also reused by internal/cloudapi), with
// RetryOnFailedConnect so this component can register before the
// embedded broker (started concurrently by the Supervisor) is actually
// accepting connections yet.
func RunBridge(ctx context.Context, url string, mgr *Manager) error {
	conn, err := nc.Connect(url,
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(2*time.Second),
		nc.DisconnectErrHandler(func(c *nc.Conn, err error) {
			if err != nil {
				log.Printf("[TARGETMGR] nats bridge disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			log.Printf("[TARGETMGR] nats bridge reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("targetmgr: connect nats bridge to %s: %w", url, err)
	}
	defer conn.Close()

	bridge, err := NewNATSBridge(conn, mgr)
	if err != nil {
		return fmt.Errorf("targetmgr: start nats bridge: %w", err)
	}
	defer bridge.Close()

	<-ctx.Done()
	return nil
}

func respond(msg *nc.Msg, reply natsReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("[TARGETMGR] marshal nats reply: %v", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Printf("[TARGETMGR] respond on %s: %v", msg.Subject, err)
	}
}

func decodeRequest(msg *nc.Msg) (natsRequest, error) {
	var req natsRequest
	if len(msg.Data) == 0 {
		return req, nil
	}
	err := json.Unmarshal(msg.Data, &req)
	return req, err
}

func (b *NATSBridge) handleListTargets(msg *nc.Msg) {
	respond(msg, natsReply{OK: true, Data: b.mgr.ListTargets()})
}

func (b *NATSBridge) handleStartTarget(msg *nc.Msg) {
	req, err := decodeRequest(msg)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	slot, err := b.mgr.StartTarget(req.Host, req.Port)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true, Data: slot})
}

func (b *NATSBridge) handleStopTarget(msg *nc.Msg) {
	var body struct {
		ScannerID string `json:"scanner_id"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	if err := b.mgr.StopTarget(body.ScannerID); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true})
}

func (b *NATSBridge) handleCleanTarget(msg *nc.Msg) {
	var body struct {
		Host    string `json:"host"`
		Port    int    `json:"port"`
		URLOnly bool   `json:"urls_only"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	if err := b.mgr.CleanTarget(body.Host, body.Port, body.URLOnly); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true})
}

func (b *NATSBridge) handleGetConfig(msg *nc.Msg) {
	req, err := decodeRequest(msg)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	cfg, err := b.mgr.GetConfig(req.Host, req.Port)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true, Data: cfg})
}

func (b *NATSBridge) handleSetConfig(msg *nc.Msg) {
	var body struct {
		Host  string             `json:"host"`
		Port  int                `json:"port"`
		Patch store.ConfigPatch  `json:"patch"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	cfg, err := b.mgr.SetConfig(body.Host, body.Port, body.Patch)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true, Data: cfg})
}

func (b *NATSBridge) handleGetReport(msg *nc.Msg) {
	var body struct {
		Host   string `json:"host"`
		Port   int    `json:"port"`
		Offset int    `json:"offset"`
		Limit  int    `json:"limit"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	if body.Limit <= 0 {
		body.Limit = 100
	}
	findings, err := b.mgr.GetReport(body.Host, body.Port, body.Offset, body.Limit)
	if err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	respond(msg, natsReply{OK: true, Data: findings})
}

func (b *NATSBridge) handleAutoStart(msg *nc.Msg) {
	if len(msg.Data) == 0 {
		respond(msg, natsReply{OK: true, Data: map[string]bool{"auto_start": b.mgr.AutoStart()}})
		return
	}
	var body struct {
		AutoStart bool `json:"auto_start"`
	}
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		respond(msg, natsReply{Error: err.Error()})
		return
	}
	b.mgr.SetAutoStart(body.AutoStart)
	respond(msg, natsReply{OK: true, Data: map[string]bool{"auto_start": body.AutoStart}})
}
