package plugin

import (
	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

const includePayload = "../../../etc/passwd"

// IncludeBasic injects a relative-path traversal payload into
// parameters affecting an include sink (§4.6).
type IncludeBasic struct{}

// NewIncludeBasic constructs the stock include_basic plugin.
func NewIncludeBasic() *IncludeBasic { return &IncludeBasic{} }

func (p *IncludeBasic) Info() Info {
	return Info{Name: "include_basic", Description: "local file inclusion via relative path payload"}
}

func (p *IncludeBasic) Mutate(rec *record.Record) []*Batch {
	var batches []*Batch
	for _, sink := range sinksOfKind(rec, record.KindInclude) {
		for _, param := range affectingParams(rec, sink) {
			d, err := reqbuilder.New(rec)
			if err != nil {
				continue
			}
			if err := d.Apply(reqbuilder.Mutation{Kind: param.Kind, Name: param.Name, Value: includePayload}); err != nil {
				continue
			}
			batches = append(batches, &Batch{
				Drafts:            []*reqbuilder.Draft{d},
				Feature:           "etc/passwd",
				Sink:              sink,
				PayloadSequenceID: payloadSequenceID(rec, "include_basic", param.Name, includePayload),
			})
		}
	}
	return batches
}

func (p *IncludeBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	for _, sink := range sinksOfKind(corr, record.KindInclude) {
		if reqbuilder.CheckSink(sink, batch.Feature) {
			return &Finding{
				Description:       "Local file inclusion",
				Message:           "parameter resolved an include sink outside the expected path",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
	}
	return nil, nil
}
