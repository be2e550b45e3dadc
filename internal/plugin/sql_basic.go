package plugin

import (
	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

const sqlPayload = "1'openrasp"

// SQLBasic injects 1'openrasp into every parameter that affects a sql
// sink, then checks whether the payload crossed a token boundary in
// the replayed query (§4.6, §8 scenario 3).
type SQLBasic struct{}

// NewSQLBasic constructs the stock sql_basic plugin.
func NewSQLBasic() *SQLBasic { return &SQLBasic{} }

func (p *SQLBasic) Info() Info {
	return Info{Name: "sql_basic", Description: "SQL injection via single-quote escape"}
}

func (p *SQLBasic) Mutate(rec *record.Record) []*Batch {
	var batches []*Batch
	for _, sink := range sinksOfKind(rec, record.KindSQL) {
		for _, param := range affectingParams(rec, sink) {
			d, err := reqbuilder.New(rec)
			if err != nil {
				continue
			}
			if err := d.Apply(reqbuilder.Mutation{Kind: param.Kind, Name: param.Name, Value: sqlPayload}); err != nil {
				continue
			}
			batches = append(batches, &Batch{
				Drafts:            []*reqbuilder.Draft{d},
				Feature:           sqlPayload,
				Sink:              sink,
				PayloadSequenceID: payloadSequenceID(rec, "sql_basic", param.Name, sqlPayload),
			})
		}
	}
	return batches
}

func (p *SQLBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	for _, sink := range sinksOfKind(corr, record.KindSQL) {
		if reqbuilder.CheckSink(sink, batch.Feature) {
			return &Finding{
				Description:       "SQL injection",
				Message:           "parameter reached a SQL sink and altered query lexing",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
	}
	return nil, nil
}
