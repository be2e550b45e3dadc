// Package reqbuilder turns a captured Record into a concrete HTTP
// replay, lets plugins mutate it one typed parameter at a time, and
// answers whether a candidate value would be observable inside a given
// sink before and after the replay (§4.5).
package reqbuilder

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iastscan/iastscand/internal/record"
)

// maxUnsupportedBodyBytes is the refusal threshold for content types
// the Builder doesn't understand as form/json (§4.5).
const maxUnsupportedBodyBytes = 4 * 1024

// ErrUnsupportedBody is returned by New when a Record carries a raw
// body of an unrecognized content type at or above the 4 KiB refusal
// threshold.
var ErrUnsupportedBody = fmt.Errorf("reqbuilder: unsupported body content-type at or above refusal threshold")

// Draft is a mutable, in-progress HTTP replay built from a Record.
// Everything not explicitly mutated stays bit-identical to what the
// application originally saw (§4.5).
type Draft struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Cookies map[string]string
	Query   url.Values
	Form    url.Values

	hasJSON  bool
	JSONBody interface{}
	RawBody  []byte

	Files []record.UploadedFile

	ScanRequestID string
}

// New constructs a Draft from rec, copying url, method, headers (minus
// content-length and, for replays, cookie — re-emitted separately),
// query, form, JSON/raw body, and files (§4.5).
func New(rec *record.Record) (*Draft, error) {
	if rec.RawBody != nil && !looksLikeForm(rec.ContentType) && !looksLikeJSON(rec.ContentType) {
		if len(rec.RawBody) >= maxUnsupportedBodyBytes {
			return nil, ErrUnsupportedBody
		}
	}

	u := &url.URL{
		Scheme:   "http",
		Host:     rec.HostPort(),
		Path:     rec.Path,
		RawQuery: rec.RawQuery,
	}

	header := make(http.Header, len(rec.Header))
	for k, v := range rec.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length", "Cookie":
			continue
		default:
			header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}

	d := &Draft{
		Method:  rec.Method,
		URL:     u,
		Header:  header,
		Cookies: parseCookieString(rec.Cookie),
		Query:   cloneValues(rec.Query),
		Form:    cloneValues(rec.Parameters),
		Files:   append([]record.UploadedFile(nil), rec.Files...),
	}
	if rec.JSONBody != nil {
		d.hasJSON = true
		d.JSONBody = rec.JSONBody
	} else {
		d.RawBody = append([]byte(nil), rec.RawBody...)
	}
	return d, nil
}

func looksLikeForm(contentType string) bool {
	lower := strings.ToLower(contentType)
	return strings.Contains(lower, "x-www-form-urlencoded") || strings.Contains(lower, "multipart/form-data")
}

func looksLikeJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vv := range v {
		out[k] = append([]string(nil), vv...)
	}
	return out
}

func parseCookieString(raw string) map[string]string {
	out := map[string]string{}
	req := &http.Request{Header: http.Header{"Cookie": []string{raw}}}
	for _, c := range req.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}
