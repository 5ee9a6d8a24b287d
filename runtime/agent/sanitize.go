package agent

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const sanitizedErrorLimit = 500

var (
	stackFrameRe = regexp.MustCompile(`(?m)^\s+at\s+.*$`)
	filePathRe   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w.~-]+){2,}`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// SanitizeError strips stack-trace frames and file paths from an error
// message, collapses whitespace, and truncates to 500 characters. Sanitized
// text is safe to persist and to surface across subsystem boundaries.
func SanitizeError(msg string) string {
	out := stackFrameRe.ReplaceAllString(msg, "")
	out = filePathRe.ReplaceAllString(out, "[path]")
	out = whitespaceRe.ReplaceAllString(out, " ")
	out = strings.TrimSpace(out)
	if len(out) > sanitizedErrorLimit {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character.
		cut := sanitizedErrorLimit
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "…"
	}
	return out
}
