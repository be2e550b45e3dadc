package plugin

import (
	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

// commandPayloads are the representative command-injection strings
// tried against each affecting parameter (§4.6).
var commandPayloads = []string{
	`'"openrasp' cmd`,
	"a$(openrasp `cmd`)b",
	"openrasp=openxrasp",
}

// CommandBasic injects shell metacharacter payloads into parameters
// that affect a command sink (§4.6).
type CommandBasic struct{}

// NewCommandBasic constructs the stock command_basic plugin.
func NewCommandBasic() *CommandBasic { return &CommandBasic{} }

func (p *CommandBasic) Info() Info {
	return Info{Name: "command_basic", Description: "OS command injection via shell metacharacters"}
}

func (p *CommandBasic) Mutate(rec *record.Record) []*Batch {
	var batches []*Batch
	for _, sink := range sinksOfKind(rec, record.KindCommand) {
		for _, param := range affectingParams(rec, sink) {
			for _, payload := range commandPayloads {
				d, err := reqbuilder.New(rec)
				if err != nil {
					continue
				}
				if err := d.Apply(reqbuilder.Mutation{Kind: param.Kind, Name: param.Name, Value: payload}); err != nil {
					continue
				}
				batches = append(batches, &Batch{
					Drafts:            []*reqbuilder.Draft{d},
					Feature:           payload,
					Sink:              sink,
					PayloadSequenceID: payloadSequenceID(rec, "command_basic", param.Name, payload),
				})
			}
		}
	}
	return batches
}

func (p *CommandBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	for _, sink := range sinksOfKind(corr, record.KindCommand) {
		if reqbuilder.CheckSink(sink, batch.Feature) {
			return &Finding{
				Description:       "OS command injection",
				Message:           "parameter reached a command sink and altered command lexing",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
	}
	return nil, nil
}
