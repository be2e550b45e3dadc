// Package plugin defines the Attack Plugin contract and an explicit
// registry of stock plugins (§4.6). Plugin discovery is a fixed,
// compile-time list rather than reflection-based scanning, per the
// redesign note in §9: a typo'd plugin name should fail loudly at
// registration, not silently vanish from a directory scan.
package plugin

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

// Info identifies a plugin (§4.6).
type Info struct {
	Name        string
	Description string
}

// Batch is an ordered list of Request Builders whose correlated
// Records will be needed together to render a verdict (§4.6). A
// plugin's Mutate call produces these; the scanner fills in Replayed
// after sending every draft concurrently and awaiting correlation.
type Batch struct {
	Drafts            []*reqbuilder.Draft
	Feature           string
	Sink              record.Sink
	PayloadSequenceID string

	// Replayed holds the correlated Record for each Drafts entry, in
	// the same order; a nil entry means that request's replay or
	// correlation failed, which skips (not fails) the whole batch.
	Replayed []*record.Record
}

// Finding is what a plugin's Check returns when a batch confirms a
// vulnerability (§4.6, §3).
type Finding struct {
	Description       string
	Message           string
	PayloadSequenceID string
	Records           []*record.Record
}

// Plugin is an Attack Plugin (§4.6). Implementations must be stateless
// between batches except for their logger.
type Plugin interface {
	Info() Info
	// Mutate returns the finite sequence of batches this plugin wants
	// to try against rec.
	Mutate(rec *record.Record) []*Batch
	// Check decides whether batch (now carrying Replayed records)
	// confirms a vulnerability.
	Check(batch *Batch) (*Finding, error)
}

// payloadSequenceID derives a stable id for one (record, parameter,
// payload) attack trial, used to dedup Report rows on replay (§4.5,
// §4.6: "deduplicated on payload-sequence id").
func payloadSequenceID(rec *record.Record, pluginName, param, payload string) string {
	h := md5.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", rec.RequestID, pluginName, param, payload, rec.Path)
	return hex.EncodeToString(h.Sum(nil))
}

// AffectingParam names one get/post parameter whose value would be
// observable inside a sink, per the concatenation oracle, along with
// which part of the request it came from.
type AffectingParam struct {
	Name string
	Kind reqbuilder.MutationKind // MutationGet or MutationPost
}

// affectingParams returns every parameter in rec whose value affects
// sink, checking the query string first and then any remaining form
// parameters not already seen as a query param.
func affectingParams(rec *record.Record, sink record.Sink) []AffectingParam {
	var out []AffectingParam
	seen := map[string]bool{}
	for name, values := range rec.Query {
		for _, v := range values {
			if v == "" || seen[name] {
				continue
			}
			if reqbuilder.ParamAffectsSink(v, sink) {
				out = append(out, AffectingParam{Name: name, Kind: reqbuilder.MutationGet})
				seen[name] = true
			}
		}
	}
	for name, values := range rec.Parameters {
		if seen[name] {
			continue
		}
		for _, v := range values {
			if v == "" {
				continue
			}
			if reqbuilder.ParamAffectsSink(v, sink) {
				out = append(out, AffectingParam{Name: name, Kind: reqbuilder.MutationPost})
				seen[name] = true
			}
		}
	}
	return out
}

func sinksOfKind(rec *record.Record, kind record.Kind) []record.Sink {
	var out []record.Sink
	for _, s := range rec.Sinks {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
