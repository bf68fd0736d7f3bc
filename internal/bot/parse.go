package bot

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] }

// tokenizeCommandLine splits a command into whitespace separated tokens.
// Single or double quotes group a token. A backslash escapes only
// whitespace, a quote or another backslash, so passwords keep every other
// backslash as typed:
//
//	/register ann@example.com "pass with spaces"
//	/register ann@example.com C:\temp\pw
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		buf     strings.Builder
		started bool
		quote   rune
	)
	flush := func() {
		if started {
			out = append(out, buf.String())
			buf.Reset()
			started = false
		}
	}
	rs := []rune(strings.TrimSpace(s))
	for i := 0; i < len(rs); i++ {
		ch := rs[i]
		switch {
		case ch == '\\' && i+1 < len(rs) && escapable(rs[i+1], quote):
			i++
			buf.WriteRune(rs[i])
			started = true
		case quote != 0:
			if ch == quote {
				quote = 0
				continue
			}
			buf.WriteRune(ch)
		case ch == '"' || ch == '\'':
			quote = ch
			started = true
		case unicode.IsSpace(ch):
			flush()
		default:
			buf.WriteRune(ch)
			started = true
		}
	}
	flush()
	return out
}

func escapable(next, quote rune) bool {
	switch {
	case next == '\\':
		return true
	case quote != 0:
		return next == quote
	default:
		return next == '"' || next == '\'' || unicode.IsSpace(next)
	}
}

// commandWord extracts "track" from "/track@lms_bot". ok is false for
// plain text.
func commandWord(tok string) (string, bool) {
	w, ok := strings.CutPrefix(tok, "/")
	if !ok {
		return "", false
	}
	w, _, _ = strings.Cut(w, "@")
	return strings.ToLower(w), w != ""
}
