// Package record implements the immutable parsed form of an agent
// submission: the HTTP request context plus every security-sensitive
// sink it reached.
package record

// Kind discriminates the sink types an agent can report.
type Kind string

const (
	KindSQL            Kind = "sql"
	KindCommand        Kind = "command"
	KindWriteFile      Kind = "writeFile"
	KindReadFile       Kind = "readFile"
	KindDirectory      Kind = "directory"
	KindInclude        Kind = "include"
	KindSSRF           Kind = "ssrf"
	KindFileUpload     Kind = "fileUpload"
	KindXXE            Kind = "xxe"
	KindEval           Kind = "eval"
	KindDeserialize    Kind = "deserialization"
	KindOGNL           Kind = "ognl"
	KindRename         Kind = "rename"
	KindWebDAV         Kind = "webdav"
)

// Token is a lexical unit produced by the agent for sql/command sinks.
// Stop is the end offset (exclusive) of the token within Query/Command.
type Token struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	Stop  int    `json:"stop"`
}

// Sink is one security-sensitive operation the agent observed a request
// reach. Only the fields relevant to Kind are populated; the rest are
// left at their zero value.
type Sink struct {
	Kind Kind `json:"kind"`

	// sql / command
	Query  string  `json:"query,omitempty"`
	Tokens []Token `json:"tokens,omitempty"`
	Env    []string `json:"env,omitempty"`

	// directory / readFile / writeFile / include
	Realpath string `json:"realpath,omitempty"`

	// ssrf / include
	Hostname string `json:"hostname,omitempty"`
	URL      string `json:"url,omitempty"`

	// xxe
	Entity string `json:"entity,omitempty"`

	// eval
	Code string `json:"code,omitempty"`

	// fileUpload
	DestRealpath string `json:"dest_realpath,omitempty"`

	// call stack, as reported by the agent; used only to derive StackHash.
	Stack []string `json:"stack,omitempty"`
}
