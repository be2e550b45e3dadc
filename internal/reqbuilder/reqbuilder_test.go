package reqbuilder

import (
	"net/url"
	"strings"
	"testing"

	"github.com/iastscan/iastscand/internal/record"
)

func sampleRecord() *record.Record {
	return &record.Record{
		Method:      "GET",
		Path:        "/endpoint",
		RawQuery:    "id=123456",
		Host:        "x.com",
		Port:        80,
		Query:       url.Values{"id": {"123456"}},
		Parameters:  url.Values{"id": {"123456"}},
		Header:      map[string][]string{"Accept": {"text/html"}},
	}
}

func TestNewDraftCopiesQueryAndDropsContentLength(t *testing.T) {
	rec := sampleRecord()
	rec.Header["Content-Length"] = []string{"6"}

	d, err := New(rec)
	if err != nil {
		t.Fatal(err)
	}
	if d.Query.Get("id") != "123456" {
		t.Fatalf("expected query copied, got %q", d.Query.Get("id"))
	}
	if d.Header.Get("Content-Length") != "" {
		t.Fatalf("expected content-length dropped from copied headers")
	}
}

func TestApplyGetMutation(t *testing.T) {
	rec := sampleRecord()
	d, err := New(rec)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(Mutation{Kind: MutationGet, Name: "id", Value: "1'openrasp"}); err != nil {
		t.Fatal(err)
	}
	if d.Query.Get("id") != "1'openrasp" {
		t.Fatalf("expected mutated query value, got %q", d.Query.Get("id"))
	}
}

func TestApplyJSONMutationNestedPath(t *testing.T) {
	d := &Draft{hasJSON: true, JSONBody: map[string]interface{}{"user": map[string]interface{}{"id": float64(1)}}}
	err := d.Apply(Mutation{Kind: MutationJSON, JSONPath: []interface{}{"user", "id"}, JSONVal: "1'openrasp"})
	if err != nil {
		t.Fatal(err)
	}
	obj := d.JSONBody.(map[string]interface{})
	user := obj["user"].(map[string]interface{})
	if user["id"] != "1'openrasp" {
		t.Fatalf("expected nested json value replaced, got %v", user["id"])
	}
}

func TestNewScanRequestIDFormat(t *testing.T) {
	d := &Draft{Header: map[string][]string{}}
	id := d.NewScanRequestID("inbox-7")
	if !strings.HasPrefix(id, "inbox-7-") {
		t.Fatalf("expected id to start with inbox id, got %q", id)
	}
	if d.Header.Get("scan-request-id") != id {
		t.Fatalf("expected scan-request-id header set")
	}
}

func TestParamAffectsSQLSinkViaTokenSubstring(t *testing.T) {
	sink := record.Sink{
		Kind:  record.KindSQL,
		Query: "SELECT id FROM t WHERE id = 123456",
		Tokens: []record.Token{
			{Text: "123456", Start: 30, Stop: 36},
		},
	}
	if !ParamAffectsSink("123456", sink) {
		t.Fatalf("expected direct substring match against token to affect sink")
	}
	if ParamAffectsSink("zzz", sink) {
		t.Fatalf("unrelated value should not affect sink")
	}
}

func TestCheckInjectedDetectsTokenSpanningPayload(t *testing.T) {
	tokens := []record.Token{
		{Text: "SELECT", Start: 0, Stop: 6},
		{Text: "id", Start: 7, Stop: 9},
		{Text: "1", Start: 37, Stop: 38},
		{Text: "openrasp", Start: 38, Stop: 46},
	}
	text := "SELECT id FROM t WHERE id = 1'openrasp"
	if !CheckInjected(text, tokens, "1'openrasp") {
		t.Fatalf("expected a payload spanning two tokens to be detected as injected")
	}
}

func TestCheckInjectedRejectsSingleTokenContainment(t *testing.T) {
	tokens := []record.Token{
		{Text: "'1'openrasp'", Start: 28, Stop: 40},
	}
	text := "SELECT id FROM t WHERE id = '1'openrasp'"
	if CheckInjected(text, tokens, "1'openrasp") {
		t.Fatalf("expected payload fully inside one token to not be flagged as injected")
	}
}
