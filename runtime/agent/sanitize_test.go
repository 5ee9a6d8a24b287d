package agent_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/agent"
)

func TestSanitizeErrorStripsStackFrames(t *testing.T) {
	in := "boom: cannot read property\n    at handler (/srv/app/internal/agent/run.go:42)\n    at dispatch (/srv/app/internal/pool/pool.go:99)"
	out := agent.SanitizeError(in)
	require.NotContains(t, out, "at handler")
	require.NotContains(t, out, "run.go")
	require.Contains(t, out, "boom: cannot read property")
}

func TestSanitizeErrorReplacesPaths(t *testing.T) {
	out := agent.SanitizeError("open /var/data/streams/orders.db: permission denied")
	require.NotContains(t, out, "/var/data")
	require.Contains(t, out, "[path]")
	require.Contains(t, out, "permission denied")
}

func TestSanitizeErrorCollapsesWhitespace(t *testing.T) {
	out := agent.SanitizeError("a  b\t\tc\n\nd")
	require.Equal(t, "a b c d", out)
}

func TestSanitizeErrorTruncates(t *testing.T) {
	out := agent.SanitizeError(strings.Repeat("x", 600))
	require.Len(t, out, 500+len("…"))
	require.True(t, strings.HasSuffix(out, "…"))
}

func TestSanitizeErrorTruncatesOnRuneBoundary(t *testing.T) {
	// 200 three-byte runes put the 500-byte cap mid-rune.
	out := agent.SanitizeError(strings.Repeat("界", 200))
	require.True(t, utf8.ValidString(out))
	require.True(t, strings.HasSuffix(out, "…"))
	require.LessOrEqual(t, len(out), 500+len("…"))
}
