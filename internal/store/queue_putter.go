package store

import (
	"encoding/json"
	"fmt"

	"github.com/iastscan/iastscand/internal/record"
)

// QueuePutter adapts Queues to internal/dedup's narrow QueuePutter
// interface, serializing a Record to JSON before persisting it. Kept
// separate from Queues itself so Queues stays storage-shaped (bytes in,
// bytes out) and this is the one place that knows about record.Record.
type QueuePutter struct {
	Queues *Queues
}

// Put implements dedup.QueuePutter.
func (p QueuePutter) Put(target string, rec *record.Record, fingerprint string) (bool, error) {
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("store: marshal record: %w", err)
	}
	return p.Queues.Put(target, blob, fingerprint)
}
