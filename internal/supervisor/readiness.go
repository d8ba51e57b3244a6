package supervisor

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// sessionMarker matches `session_id: abc`, `"session_id":"abc"` and
	// `Session ID: abc`.
	sessionMarker = regexp.MustCompile(`(?i)session[_ ]id["']?\s*[:=]\s*["']?([0-9a-z][0-9a-z_-]{5,})`)

	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]`)
)

const readinessTail = 512

// readiness scans terminal output for signs that the assistant has created a
// session or is showing its prompt.
type readiness struct {
	patterns []*regexp.Regexp
	tail     string
}

func compilePatterns(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid ready pattern %q: %w", expr, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// feed inspects a chunk. It reports ready once a marker or pattern is seen;
// id is empty when readiness came from a prompt pattern.
func (r *readiness) feed(chunk string) (id string, ready bool) {
	text := r.tail + ansiEscape.ReplaceAllString(chunk, "")
	if m := sessionMarker.FindStringSubmatch(text); m != nil {
		r.tail = ""
		return m[1], true
	}
	for _, re := range r.patterns {
		if re.MatchString(text) {
			r.tail = ""
			return "", true
		}
	}
	if len(text) > readinessTail {
		text = text[len(text)-readinessTail:]
	}
	r.tail = text
	return "", false
}
