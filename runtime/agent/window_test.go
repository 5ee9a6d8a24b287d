package agent_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/runtime/agent"
)

func TestParseApprovalTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"1m":  time.Minute,
		"30m": 30 * time.Minute,
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"1d":  24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := agent.ParseApprovalTimeout(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "m", "5", "0m", "-1h", "1.5h", "1s", "1 h", "+2d", "h5"} {
		_, err := agent.ParseApprovalTimeout(in)
		require.Error(t, err, in)
	}
}

func TestParsePatternWindow(t *testing.T) {
	got, err := agent.ParsePatternWindow("2d")
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, got)

	_, err = agent.ParsePatternWindow("2w")
	require.Error(t, err)
}

func TestApprovalTimeoutRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	unitMs := map[string]int64{"m": 60_000, "h": 3_600_000, "d": 86_400_000}

	properties.Property("parse(format(N unit)) equals N unit in ms", prop.ForAll(
		func(n int, unit string) bool {
			d, err := agent.ParseApprovalTimeout(fmt.Sprintf("%d%s", n, unit))
			if err != nil {
				return false
			}
			return d.Milliseconds() == int64(n)*unitMs[unit]
		},
		gen.IntRange(1, 100_000),
		gen.OneConstOf("m", "h", "d"),
	))
	properties.TestingRun(t)
}
