package reqbuilder

import (
	"fmt"
	"net/url"
)

// MutationKind is one of the typed parameter classes a plugin can
// mutate on a Draft (§4.5).
type MutationKind string

const (
	MutationGet     MutationKind = "get"
	MutationPost    MutationKind = "post"
	MutationCookies MutationKind = "cookies"
	MutationHeaders MutationKind = "headers"
	MutationJSON    MutationKind = "json"
	MutationFiles   MutationKind = "files"
	MutationBody    MutationKind = "body"
)

// FileField selects which part of an uploaded file a files mutation
// targets (§4.5).
type FileField string

const (
	FileFieldName        FileField = "filename"
	FileFieldContentType FileField = "content_type"
	FileFieldContent     FileField = "content"
)

// Mutation describes one typed change a plugin wants applied to a
// Draft. Only the fields relevant to Kind need to be set.
type Mutation struct {
	Kind MutationKind

	// get, post, cookies, headers
	Name  string
	Value string

	// json: path of keys/indices; empty path replaces the root.
	JSONPath []interface{}
	JSONVal  interface{}

	// files
	FileIndex int
	FileField FileField
	FileBytes []byte

	// body
	RawBody []byte
}

// Apply mutates d in place per m.Kind.
func (d *Draft) Apply(m Mutation) error {
	switch m.Kind {
	case MutationGet:
		d.Query.Set(m.Name, m.Value)
	case MutationPost:
		d.Form.Set(m.Name, m.Value)
	case MutationCookies:
		if d.Cookies == nil {
			d.Cookies = map[string]string{}
		}
		d.Cookies[m.Name] = url.QueryEscape(m.Value)
	case MutationHeaders:
		d.Header.Set(m.Name, url.QueryEscape(m.Value))
	case MutationJSON:
		if !d.hasJSON {
			d.hasJSON = true
			if len(m.JSONPath) == 0 {
				d.JSONBody = m.JSONVal
				return nil
			}
			d.JSONBody = map[string]interface{}{}
		}
		root, err := setJSONPath(d.JSONBody, m.JSONPath, m.JSONVal)
		if err != nil {
			return fmt.Errorf("reqbuilder: json mutation: %w", err)
		}
		d.JSONBody = root
	case MutationFiles:
		if m.FileIndex < 0 || m.FileIndex >= len(d.Files) {
			return fmt.Errorf("reqbuilder: file index %d out of range", m.FileIndex)
		}
		f := &d.Files[m.FileIndex]
		switch m.FileField {
		case FileFieldName:
			f.Filename = string(m.FileBytes)
		case FileFieldContentType:
			f.ContentType = string(m.FileBytes)
		case FileFieldContent:
			f.Content = m.FileBytes
		default:
			return fmt.Errorf("reqbuilder: unknown file field %q", m.FileField)
		}
	case MutationBody:
		d.hasJSON = false
		d.JSONBody = nil
		d.RawBody = m.RawBody
	default:
		return fmt.Errorf("reqbuilder: unknown mutation kind %q", m.Kind)
	}
	return nil
}

// setJSONPath returns a copy of root with the value at path replaced
// by val; an empty path replaces the whole value. Path elements are
// either string keys (object) or int indices (array), per §4.5.
func setJSONPath(root interface{}, path []interface{}, val interface{}) (interface{}, error) {
	if len(path) == 0 {
		return val, nil
	}
	head, rest := path[0], path[1:]

	switch key := head.(type) {
	case string:
		obj, _ := root.(map[string]interface{})
		if obj == nil {
			obj = map[string]interface{}{}
		}
		child, err := setJSONPath(obj[key], rest, val)
		if err != nil {
			return nil, err
		}
		obj[key] = child
		return obj, nil
	case int:
		arr, _ := root.([]interface{})
		for len(arr) <= key {
			arr = append(arr, nil)
		}
		child, err := setJSONPath(arr[key], rest, val)
		if err != nil {
			return nil, err
		}
		arr[key] = child
		return arr, nil
	default:
		return nil, fmt.Errorf("json path element must be string or int, got %T", head)
	}
}
