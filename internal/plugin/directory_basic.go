package plugin

import (
	"strings"

	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

// directoryPayloads returns the OS-selected traversal payloads ending at
// a directory the target platform is expected to have (§4.6): the
// openrasp_dir payloads when the agent reports a Windows server, the
// /etc and /private/etc payloads otherwise. The checker only cares
// whether the resolved path ends with the payload's last segment.
func directoryPayloads(osName string) []string {
	if strings.Contains(strings.ToLower(osName), "windows") {
		return []string{strings.Repeat(`..\`, 9) + `openrasp_dir`, `file://c:\openrasp_dir`}
	}
	return []string{strings.Repeat("../", 6) + "etc", strings.Repeat("../", 6) + "private/etc"}
}

// DirectoryBasic probes directory sinks with path traversal payloads
// (§4.6).
type DirectoryBasic struct{}

// NewDirectoryBasic constructs the stock directory_basic plugin.
func NewDirectoryBasic() *DirectoryBasic { return &DirectoryBasic{} }

func (p *DirectoryBasic) Info() Info {
	return Info{Name: "directory_basic", Description: "directory traversal via relative path payloads"}
}

func (p *DirectoryBasic) Mutate(rec *record.Record) []*Batch {
	var batches []*Batch
	for _, sink := range sinksOfKind(rec, record.KindDirectory) {
		for _, param := range affectingParams(rec, sink) {
			for _, payload := range directoryPayloads(rec.Server.OS) {
				d, err := reqbuilder.New(rec)
				if err != nil {
					continue
				}
				if err := d.Apply(reqbuilder.Mutation{Kind: param.Kind, Name: param.Name, Value: payload}); err != nil {
					continue
				}
				feature := directoryFeature(payload)
				batches = append(batches, &Batch{
					Drafts:            []*reqbuilder.Draft{d},
					Feature:           feature,
					Sink:              sink,
					PayloadSequenceID: payloadSequenceID(rec, "directory_basic", param.Name, payload),
				})
			}
		}
	}
	return batches
}

// directoryFeature reduces a traversal payload to the trailing
// directory name the checker looks for in the resolved realpath.
func directoryFeature(payload string) string {
	payload = strings.ReplaceAll(payload, `\`, "/")
	segs := strings.Split(payload, "/")
	return segs[len(segs)-1]
}

func (p *DirectoryBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	for _, sink := range sinksOfKind(corr, record.KindDirectory) {
		if reqbuilder.CheckSink(sink, batch.Feature) {
			return &Finding{
				Description:       "Directory traversal",
				Message:           "parameter resolved a directory sink outside the expected path",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
	}
	return nil, nil
}
