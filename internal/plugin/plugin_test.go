package plugin

import (
	"net/url"
	"testing"

	"github.com/iastscan/iastscand/internal/record"
)

func TestStockRegistryHasNoDuplicateNames(t *testing.T) {
	r := NewStockRegistry()
	names := r.Names()
	if len(names) != 6 {
		t.Fatalf("expected 6 stock plugins, got %d: %v", len(names), names)
	}
}

func TestRegistryRejectsDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewSQLBasic()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewSQLBasic()); err == nil {
		t.Fatal("expected duplicate registration to be rejected")
	}
}

func TestSQLBasicMutateAndCheck(t *testing.T) {
	rec := &record.Record{
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/endpoint",
		RawQuery:  "id=123456",
		Host:      "x.com",
		Port:      80,
		Query:     url.Values{"id": {"123456"}},
		Parameters: url.Values{"id": {"123456"}},
		Sinks: []record.Sink{{
			Kind:  record.KindSQL,
			Query: "SELECT id FROM t WHERE id = 123456",
			Tokens: []record.Token{
				{Text: "SELECT", Start: 0, Stop: 6},
				{Text: "123456", Start: 30, Stop: 36},
			},
		}},
	}

	p := NewSQLBasic()
	batches := p.Mutate(rec)
	if len(batches) != 1 {
		t.Fatalf("expected one batch for the one affecting param, got %d", len(batches))
	}
	b := batches[0]
	if b.Drafts[0].Query.Get("id") != sqlPayload {
		t.Fatalf("expected mutated draft to carry the sql payload")
	}

	replayed := &record.Record{
		Sinks: []record.Sink{{
			Kind:  record.KindSQL,
			Query: "SELECT id FROM t WHERE id = 1'openrasp",
			Tokens: []record.Token{
				{Text: "SELECT", Start: 0, Stop: 6},
				{Text: "1", Start: 30, Stop: 31},
				{Text: "openrasp", Start: 31, Stop: 39},
			},
		}},
	}
	b.Replayed = []*record.Record{replayed}

	finding, err := p.Check(b)
	if err != nil {
		t.Fatal(err)
	}
	if finding == nil {
		t.Fatal("expected a finding when the payload spans two tokens")
	}
}

func TestXXEBasicSkipsNonXMLBody(t *testing.T) {
	rec := &record.Record{RawBody: []byte(`{"a":1}`)}
	p := NewXXEBasic()
	if batches := p.Mutate(rec); batches != nil {
		t.Fatalf("expected no batches for a non-xml body, got %d", len(batches))
	}
}
