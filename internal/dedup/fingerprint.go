package dedup

import "github.com/iastscan/iastscand/internal/record"

// DefaultFingerprint is the stock fingerprint function described in
// §4.2: it never whitelists a record, always returning ok=true.
func DefaultFingerprint(rec *record.Record) (string, bool) {
	return rec.Fingerprint(), true
}
