package reqbuilder

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/iastscan/iastscand/internal/record"
)

// lcsShortCircuit is the length above which the sql/command rule stops
// computing longest-common-substring against every token and falls
// back to a plain substring check (§4.5).
const lcsShortCircuit = 10000

// lcsThreshold is the longest-common-substring length a word run must
// exceed for the parameter to count as "affecting" a sql/command token
// (§4.5).
const lcsThreshold = 3

// ParamAffectsSink answers param-affects-sink?: whether value would be
// observable inside sink if sent as a parameter, per the per-kind
// rules in §4.5. Used by plugins to pick which parameters are worth
// attacking.
func ParamAffectsSink(value string, sink record.Sink) bool {
	switch sink.Kind {
	case record.KindSQL, record.KindCommand:
		return tokenOrEnvMatch(value, sink)
	case record.KindSSRF, record.KindInclude:
		return urlAffects(value, sink.URL)
	case record.KindDirectory, record.KindReadFile, record.KindWriteFile:
		return pathAffects(value, sink.Realpath)
	case record.KindXXE:
		return strings.Contains(sink.Entity, value)
	case record.KindEval:
		return strings.Contains(sink.Code, value)
	default:
		return directFieldMatch(value, sink)
	}
}

func tokenOrEnvMatch(value string, sink record.Sink) bool {
	if len(value) > lcsShortCircuit {
		for _, tok := range sink.Tokens {
			if strings.Contains(tok.Text, value) {
				return true
			}
		}
		return envMatch(value, sink.Env)
	}
	runs := wordRuns(value)
	for _, tok := range sink.Tokens {
		if strings.Contains(tok.Text, value) {
			return true
		}
		for _, run := range runs {
			if longestCommonSubstring(run, tok.Text) > lcsThreshold {
				return true
			}
		}
	}
	return envMatch(value, sink.Env)
}

func envMatch(value string, env []string) bool {
	for _, entry := range env {
		parts := strings.SplitN(entry, "=", 2)
		for _, p := range parts {
			if strings.Contains(p, value) {
				return true
			}
		}
	}
	return false
}

// wordRuns splits s into maximal runs of word characters and maximal
// runs of non-word characters, matching the "word/non-word runs" rule
// in §4.5.
func wordRuns(s string) []string {
	var runs []string
	var cur strings.Builder
	var curIsWord bool
	for i, r := range s {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
		if i > 0 && isWord != curIsWord {
			runs = append(runs, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		curIsWord = isWord
	}
	if cur.Len() > 0 {
		runs = append(runs, cur.String())
	}
	return runs
}

// longestCommonSubstring returns the length of the longest common
// substring of a and b via the classic O(len(a)*len(b)) DP table.
func longestCommonSubstring(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	prev := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		cur := make([]int, len(b)+1)
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
				}
			}
		}
		prev = cur
	}
	return best
}

func urlAffects(value string, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Contains(rawURL, value)
	}
	if strings.Contains(u.Scheme, value) || strings.Contains(u.Host, value) ||
		strings.Contains(u.Path, value) || strings.Contains(u.RawQuery, value) {
		return true
	}
	if len(value) > 8 {
		for _, seg := range strings.Split(u.Path, "/") {
			if strings.Contains(seg, value) {
				return true
			}
		}
	}
	return false
}

func pathAffects(value string, path string) bool {
	return strings.Contains(path, value)
}

func directFieldMatch(value string, sink record.Sink) bool {
	switch sink.Kind {
	case record.KindFileUpload:
		return strings.Contains(sink.DestRealpath, value)
	case record.KindDeserialize, record.KindOGNL, record.KindRename, record.KindWebDAV:
		return strings.Contains(sink.Realpath, value) || strings.Contains(sink.Query, value)
	default:
		return false
	}
}
