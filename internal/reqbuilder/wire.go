package reqbuilder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"

	"github.com/google/uuid"
)

// NewScanRequestID mints a fresh scan_request_id of the form
// "<inbox>-<uuid>" and stamps it onto the Draft so the Ingest Server
// can route the eventual agent record back to the right correlator
// (§4.5, §4.1).
func (d *Draft) NewScanRequestID(inboxID string) string {
	id := fmt.Sprintf("%s-%s", inboxID, uuid.NewString())
	d.ScanRequestID = id
	d.Header.Set("scan-request-id", id)
	return id
}

// Body renders the Draft's body and content-type, choosing multipart
// form data when files are present, url-encoded form data when only
// Form is set, JSON when a JSON body was recorded, and the raw bytes
// otherwise.
func (d *Draft) Body() (body []byte, contentType string, err error) {
	if len(d.Files) > 0 {
		return d.multipartBody()
	}
	if d.hasJSON {
		b, err := json.Marshal(d.JSONBody)
		if err != nil {
			return nil, "", fmt.Errorf("reqbuilder: marshal json body: %w", err)
		}
		return b, "application/json", nil
	}
	if len(d.Form) > 0 {
		return []byte(d.Form.Encode()), "application/x-www-form-urlencoded", nil
	}
	return d.RawBody, d.Header.Get("Content-Type"), nil
}

func (d *Draft) multipartBody() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, vv := range d.Form {
		for _, v := range vv {
			if err := w.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
	}
	for _, f := range d.Files {
		part, err := w.CreateFormFile(f.Name, f.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Request builds the concrete *http.Request for this Draft, for the
// bounded HTTP sender (§4.6) to dispatch.
func (d *Draft) Request() (*http.Request, error) {
	u := *d.URL
	u.RawQuery = d.Query.Encode()

	body, contentType, err := d.Body()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(d.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = d.Header.Clone()
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range d.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return req, nil
}

// Raw renders the Draft as a wire-format raw HTTP request string, for
// inclusion in findings (§4.5).
func (d *Draft) Raw() (string, error) {
	body, contentType, err := d.Body()
	if err != nil {
		return "", err
	}

	u := *d.URL
	u.RawQuery = d.Query.Encode()

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", d.Method, requestURI(&u))
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)

	headerNames := make([]string, 0, len(d.Header))
	for name := range d.Header {
		headerNames = append(headerNames, name)
	}
	sort.Strings(headerNames)
	for _, name := range headerNames {
		for _, v := range d.Header[name] {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	if contentType != "" {
		fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	}
	if len(d.Cookies) > 0 {
		fmt.Fprintf(&b, "Cookie: %s\r\n", encodeCookies(d.Cookies))
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(body))
	b.Write(body)
	return b.String(), nil
}

func requestURI(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func encodeCookies(cookies map[string]string) string {
	names := make([]string, 0, len(cookies))
	for k := range cookies {
		names = append(names, k)
	}
	sort.Strings(names)
	var b bytes.Buffer
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s=%s", name, cookies[name])
	}
	return b.String()
}
