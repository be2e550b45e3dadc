package plugin

import (
	"fmt"
	"strings"

	"github.com/iastscan/iastscand/internal/record"
	"github.com/iastscan/iastscand/internal/reqbuilder"
)

// gif89aMagic makes an uploaded payload pass a naive image-magic check
// while still carrying an executable extension (§4.6).
var gif89aMagic = []byte("GIF89a")

// uploadExtensions are the executable extensions tried against a
// fileUpload sink (and a writeFile sink on Java targets) (§4.6).
var uploadExtensions = []string{".jsp", ".jspx", ".php"}

// FileUploadBasic re-uploads an existing multipart file under an
// executable extension with an image magic header and content-type,
// probing for unsafe-upload handling (§4.6).
type FileUploadBasic struct{}

// NewFileUploadBasic constructs the stock fileupload_basic plugin.
func NewFileUploadBasic() *FileUploadBasic { return &FileUploadBasic{} }

func (p *FileUploadBasic) Info() Info {
	return Info{Name: "fileupload_basic", Description: "unrestricted file upload via extension/magic-header mismatch"}
}

func (p *FileUploadBasic) Mutate(rec *record.Record) []*Batch {
	if len(rec.Files) == 0 {
		return nil
	}
	javaWrite := strings.EqualFold(rec.Server.Language, "java") && len(sinksOfKind(rec, record.KindWriteFile)) > 0
	hasTargetSink := len(sinksOfKind(rec, record.KindFileUpload)) > 0 || javaWrite
	if !hasTargetSink {
		return nil
	}

	var batches []*Batch
	for idx := range rec.Files {
		for _, ext := range uploadExtensions {
			name := fmt.Sprintf("openrasp%s", ext)
			d, err := reqbuilder.New(rec)
			if err != nil {
				continue
			}
			if err := d.Apply(reqbuilder.Mutation{Kind: reqbuilder.MutationFiles, FileIndex: idx, FileField: reqbuilder.FileFieldName, FileBytes: []byte(name)}); err != nil {
				continue
			}
			if err := d.Apply(reqbuilder.Mutation{Kind: reqbuilder.MutationFiles, FileIndex: idx, FileField: reqbuilder.FileFieldContentType, FileBytes: []byte("image/jpeg")}); err != nil {
				continue
			}
			if err := d.Apply(reqbuilder.Mutation{Kind: reqbuilder.MutationFiles, FileIndex: idx, FileField: reqbuilder.FileFieldContent, FileBytes: gif89aMagic}); err != nil {
				continue
			}
			batches = append(batches, &Batch{
				Drafts:            []*reqbuilder.Draft{d},
				Feature:           name,
				PayloadSequenceID: payloadSequenceID(rec, "fileupload_basic", fmt.Sprintf("file-%d", idx), name),
			})
		}
	}
	return batches
}

func (p *FileUploadBasic) Check(batch *Batch) (*Finding, error) {
	if len(batch.Replayed) != 1 || batch.Replayed[0] == nil {
		return nil, nil
	}
	corr := batch.Replayed[0]
	for _, sink := range corr.Sinks {
		if reqbuilder.CheckPHPUpload(sink, batch.Feature, corr.AppBasePath) {
			return &Finding{
				Description:       "Unrestricted file upload",
				Message:           "an executable file extension was accepted under the application's webroot",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
		if sink.Kind == record.KindWriteFile && reqbuilder.CheckWebrootWrite(sink, batch.Feature, corr.AppBasePath) {
			return &Finding{
				Description:       "Unrestricted file upload",
				Message:           "an executable file extension was written under the application's webroot",
				PayloadSequenceID: batch.PayloadSequenceID,
				Records:           []*record.Record{corr},
			}, nil
		}
	}
	return nil, nil
}
