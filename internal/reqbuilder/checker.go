package reqbuilder

import (
	"strings"

	"github.com/iastscan/iastscand/internal/record"
)

// CheckInjected implements the sql/command post-replay check: find
// feature's position in text, then walk tokens from the first one
// whose stop exceeds that position; if the next token's stop strictly
// exceeds featurePos+len(feature), the feature spans more than one
// token and the sink was injected (§4.5).
func CheckInjected(text string, tokens []record.Token, feature string) bool {
	pos := strings.Index(text, feature)
	if pos < 0 {
		return false
	}
	end := pos + len(feature)

	for i, tok := range tokens {
		if tok.Stop <= pos {
			continue
		}
		if i+1 < len(tokens) && tokens[i+1].Stop > end {
			return true
		}
		return false
	}
	return false
}

// CheckSink decides whether feature reached sink's intended operation,
// per the per-kind rules in §4.5.
func CheckSink(sink record.Sink, feature string) bool {
	switch sink.Kind {
	case record.KindSQL:
		if CheckInjected(sink.Query, sink.Tokens, feature) {
			return true
		}
		return envMatch(feature, sink.Env)
	case record.KindCommand:
		if CheckInjected(sink.Query, sink.Tokens, feature) {
			return true
		}
		return envMatch(feature, sink.Env)
	case record.KindReadFile, record.KindWriteFile, record.KindDirectory, record.KindInclude:
		return strings.HasSuffix(sink.Realpath, feature)
	case record.KindSSRF:
		return sink.Hostname == feature
	case record.KindEval:
		return strings.Contains(sink.Code, feature)
	case record.KindXXE:
		return sink.Entity == feature
	default:
		return false
	}
}

// CheckXXE answers whether any xxe sink in sinks has entity == feature
// (§4.5: "some xxe sink exists whose entity equals feature").
func CheckXXE(sinks []record.Sink, feature string) bool {
	for _, s := range sinks {
		if s.Kind == record.KindXXE && s.Entity == feature {
			return true
		}
	}
	return false
}

// CheckWebrootWrite answers the webroot-write special case: sink's
// realpath contains feature and starts with the application base path
// (§4.5).
func CheckWebrootWrite(sink record.Sink, feature, appBasePath string) bool {
	return strings.Contains(sink.Realpath, feature) && strings.HasPrefix(sink.Realpath, appBasePath)
}

// CheckPHPUpload answers the PHP-upload special case: a fileUpload
// sink whose dest_realpath ends with feature and starts with the
// application base path (§4.5).
func CheckPHPUpload(sink record.Sink, feature, appBasePath string) bool {
	return sink.Kind == record.KindFileUpload &&
		strings.HasSuffix(sink.DestRealpath, feature) &&
		strings.HasPrefix(sink.DestRealpath, appBasePath)
}
