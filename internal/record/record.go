package record

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// ServerInfo describes the instrumented application process.
type ServerInfo struct {
	Language string `json:"language"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	OS       string `json:"os"`
}

// UploadedFile is one multipart file the application observed.
type UploadedFile struct {
	Name        string `json:"name"`
	Filename    string `json:"filename"`
	Content     []byte `json:"content"`
	ContentType string `json:"content_type"`
}

// VulnHook marks the sink (and its stack hash) a checker selected as
// proof of a vulnerability. It is the one field a Record may acquire
// after construction, set exactly once by the checker (§3).
type VulnHook struct {
	SinkIndex int
	StackHash string
}

// Record is the immutable parsed form of one agent submission.
type Record struct {
	RequestID     string
	ScanRequestID string

	Host string
	Port int

	Method   string
	Path     string
	RawQuery string
	Query    url.Values

	Header textproto.MIMEHeader
	Cookie string

	JSONBody    interface{}
	RawBody     []byte
	ContentType string
	ContentLen  int64

	Parameters url.Values
	Files      []UploadedFile

	Server         ServerInfo
	ServerHostname string
	NIC            []string
	AppBasePath    string

	Sinks []Sink

	VulnHook *VulnHook
}

// wireContext mirrors the "context" object of the agent wire schema (§6).
type wireContext struct {
	RequestID   string                 `json:"requestId"`
	JSON        json.RawMessage        `json:"json"`
	Server      ServerInfo             `json:"server"`
	Body        string                 `json:"body"`
	Method      string                 `json:"method"`
	QueryString string                 `json:"querystring"`
	Path        string                 `json:"path"`
	Parameter   map[string][]string    `json:"parameter"`
	Header      map[string]string      `json:"header"`
	NIC         []string               `json:"nic"`
	Hostname    string                 `json:"hostname"`

	Host        string         `json:"host"`
	Port        int            `json:"port"`
	ContentType string         `json:"contentType"`
	AppBasePath string         `json:"appBasePath"`
	Files       []UploadedFile `json:"files"`
}

type wireSubmission struct {
	Context  wireContext     `json:"context"`
	HookInfo []wireSink      `json:"hook_info"`
}

type wireSink struct {
	Kind         string   `json:"kind"`
	Query        string   `json:"query,omitempty"`
	Tokens       []Token  `json:"tokens,omitempty"`
	Env          []string `json:"env,omitempty"`
	Realpath     string   `json:"realpath,omitempty"`
	Hostname     string   `json:"hostname,omitempty"`
	URL          string   `json:"url,omitempty"`
	Entity       string   `json:"entity,omitempty"`
	Code         string   `json:"code,omitempty"`
	DestRealpath string   `json:"dest_realpath,omitempty"`
	Stack        []string `json:"stack,omitempty"`
}

// ErrInvalidRecord is returned when the submitted JSON does not satisfy
// the Record schema (§6): missing required context keys or unparsable.
var ErrInvalidRecord = fmt.Errorf("record: input invalid")

// ParseRecord validates and parses one agent submission. A hostless
// record (no Host derivable from context.host or the Host header) is
// rejected, per the ingest contract in §4.1.
func ParseRecord(body []byte, scanRequestID string) (*Record, error) {
	var w wireSubmission
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if w.Context.RequestID == "" || w.Context.Method == "" || w.Context.Path == "" {
		return nil, ErrInvalidRecord
	}

	header := textproto.MIMEHeader{}
	for k, v := range w.Context.Header {
		header.Add(k, v)
	}

	host := w.Context.Host
	port := w.Context.Port
	if host == "" {
		hostHeader := header.Get("Host")
		if hostHeader == "" {
			return nil, fmt.Errorf("%w: missing host", ErrInvalidRecord)
		}
		h, p, err := splitHostPort(hostHeader)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		host, port = h, p
	}

	rec := &Record{
		RequestID:      w.Context.RequestID,
		ScanRequestID:  scanRequestID,
		Host:           host,
		Port:           port,
		Method:         strings.ToLower(w.Context.Method),
		Path:           w.Context.Path,
		RawQuery:       w.Context.QueryString,
		Header:         header,
		Server:         w.Context.Server,
		ServerHostname: w.Context.Hostname,
		NIC:            w.Context.NIC,
		AppBasePath:    w.Context.AppBasePath,
		ContentType:    w.Context.ContentType,
		Files:          w.Context.Files,
		RawBody:        []byte(w.Context.Body),
	}

	if q, err := url.ParseQuery(w.Context.QueryString); err == nil {
		rec.Query = q
	} else {
		rec.Query = url.Values{}
	}

	rec.Parameters = url.Values{}
	for k, vs := range w.Context.Parameter {
		rec.Parameters[k] = append([]string(nil), vs...)
	}

	rec.ContentLen = int64(len(rec.RawBody))
	if header.Get("Content-Type") != "" && rec.ContentType == "" {
		rec.ContentType = header.Get("Content-Type")
	}

	if strings.Contains(strings.ToLower(rec.ContentType), "json") && len(w.Context.JSON) > 0 {
		var v interface{}
		if err := json.Unmarshal(w.Context.JSON, &v); err == nil {
			rec.JSONBody = v
		}
	}

	if cookies, ok := w.Context.Header["cookie"]; ok {
		rec.Cookie = cookies
	} else if c := header.Get("Cookie"); c != "" {
		rec.Cookie = c
	}

	rec.Sinks = make([]Sink, 0, len(w.HookInfo))
	for _, ws := range w.HookInfo {
		rec.Sinks = append(rec.Sinks, Sink{
			Kind:         Kind(ws.Kind),
			Query:        ws.Query,
			Tokens:       ws.Tokens,
			Env:          ws.Env,
			Realpath:     ws.Realpath,
			Hostname:     ws.Hostname,
			URL:          ws.URL,
			Entity:       ws.Entity,
			Code:         ws.Code,
			DestRealpath: ws.DestRealpath,
			Stack:        ws.Stack,
		})
	}

	return rec, nil
}

func splitHostPort(hostHeader string) (string, int, error) {
	h := hostHeader
	port := 80
	if idx := strings.LastIndex(hostHeader, ":"); idx >= 0 && !strings.Contains(hostHeader[idx:], "]") {
		h = hostHeader[:idx]
		p, err := strconv.Atoi(hostHeader[idx+1:])
		if err != nil {
			return "", 0, fmt.Errorf("bad host header port: %s", hostHeader)
		}
		port = p
	}
	if h == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	return h, port, nil
}

// IsReplay reports whether this record describes a scanner-issued replay
// rather than application-observed traffic (§4.1 classification rule).
func (r *Record) IsReplay() bool {
	return r.ScanRequestID != ""
}

// InboxID returns the leading segment of ScanRequestID before the first
// '-', identifying the target scanner's inbox (§3, §4.1).
func (r *Record) InboxID() string {
	if r.ScanRequestID == "" {
		return ""
	}
	idx := strings.Index(r.ScanRequestID, "-")
	if idx < 0 {
		return r.ScanRequestID
	}
	return r.ScanRequestID[:idx]
}

// HostPort returns the "<host>:<port>" key used to bucket targets.
func (r *Record) HostPort() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StackHash is the MD5 over the concatenation of every sink's stack
// array, used to distinguish otherwise-identical sinks by call site.
func (r *Record) StackHash() string {
	h := md5.New()
	for _, s := range r.Sinks {
		for _, frame := range s.Stack {
			h.Write([]byte(frame))
			h.Write([]byte{'\n'})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is the default per-target dedup key (§4.2): MD5 over
// path | stack_hash | sorted form-keys | sorted query-keys | JSON
// structural skeleton | sorted upload-field-names.
func (r *Record) Fingerprint() string {
	h := md5.New()
	fmt.Fprintf(h, "%s|%s|", r.Path, r.StackHash())

	formKeys := keysOf(r.Parameters)
	sort.Strings(formKeys)
	fmt.Fprintf(h, "%s|", strings.Join(formKeys, ","))

	queryKeys := keysOf(r.Query)
	sort.Strings(queryKeys)
	fmt.Fprintf(h, "%s|", strings.Join(queryKeys, ","))

	fmt.Fprintf(h, "%s|", JSONSkeleton(r.JSONBody))

	uploadNames := make([]string, 0, len(r.Files))
	for _, f := range r.Files {
		uploadNames = append(uploadNames, f.Name)
	}
	sort.Strings(uploadNames)
	fmt.Fprintf(h, "%s", strings.Join(uploadNames, ","))

	return hex.EncodeToString(h.Sum(nil))
}

func keysOf(v url.Values) []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return keys
}

// JSONSkeleton serializes the shape of a decoded JSON value, ignoring
// leaf content: N| for null, I| for number, S| for string, L:n| for an
// array of length n, D:k1,k2,…| for an object with its keys sorted.
// The tree is walked depth-first and object keys are visited in sorted
// order, so equal structures produce equal skeletons regardless of map
// iteration order (§8).
func JSONSkeleton(v interface{}) string {
	var b strings.Builder
	writeSkeleton(&b, v)
	return b.String()
}

func writeSkeleton(b *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case nil:
		b.WriteString("N|")
	case bool:
		b.WriteString("I|")
	case float64:
		b.WriteString("I|")
	case string:
		b.WriteString("S|")
	case []interface{}:
		fmt.Fprintf(b, "L:%d|", len(t))
		for _, e := range t {
			writeSkeleton(b, e)
		}
	case map[string]interface{}:
		// encoding/json decodes objects into map[string]interface{} and
		// does not preserve source key order; to keep the skeleton
		// deterministic we sort keys rather than rely on map iteration.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		escaped := make([]string, len(keys))
		for i, k := range keys {
			escaped[i] = strings.ReplaceAll(k, ",", "\\,")
		}
		fmt.Fprintf(b, "D:%s|", strings.Join(escaped, ","))
		for _, k := range keys {
			writeSkeleton(b, t[k])
		}
	default:
		b.WriteString("S|")
	}
}
