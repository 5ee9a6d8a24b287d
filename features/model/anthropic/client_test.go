package anthropic_test

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/features/model/anthropic"
	"goa.design/sourced/runtime/agent/model"
)

type fakeMessages struct {
	params sdk.MessageNewParams
	text   string
}

func (f *fakeMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	f.params = body
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: f.text}},
		Usage:   sdk.Usage{InputTokens: 120, OutputTokens: 40},
	}, nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := anthropic.New(anthropic.Options{DefaultModel: "claude-sonnet-4-5"})
	require.Error(t, err)
	_, err = anthropic.New(anthropic.Options{Messages: &fakeMessages{}})
	require.Error(t, err)
}

func TestAnalyzeParsesVerdictAndUsage(t *testing.T) {
	fake := &fakeMessages{text: `{"pattern_detected":true,"confidence":0.92,"summary":"velocity spike"}`}
	b, err := anthropic.New(anthropic.Options{Messages: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	verdict, err := b.Analyze(context.Background(), model.AnalysisRequest{Prompt: "watch transfers"})
	require.NoError(t, err)
	require.True(t, verdict.PatternDetected)
	require.InDelta(t, 0.92, verdict.Confidence, 1e-9)
	require.Equal(t, "velocity spike", verdict.Summary)
	require.Equal(t, model.Usage{InputTokens: 120, OutputTokens: 40}, verdict.Usage)

	require.Equal(t, sdk.Model("claude-sonnet-4-5"), fake.params.Model)
	require.Len(t, fake.params.System, 1)
	require.Len(t, fake.params.Messages, 1)
}

func TestAnalyzeUsesRequestModelOverride(t *testing.T) {
	fake := &fakeMessages{text: `{"pattern_detected":false,"confidence":0.2,"summary":"quiet"}`}
	b, err := anthropic.New(anthropic.Options{Messages: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	_, err = b.Analyze(context.Background(), model.AnalysisRequest{Model: "claude-haiku-4-5", Prompt: "watch"})
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-haiku-4-5"), fake.params.Model)
}

func TestReasonReturnsText(t *testing.T) {
	fake := &fakeMessages{text: "the account looks compromised"}
	b, err := anthropic.New(anthropic.Options{Messages: fake, DefaultModel: "claude-sonnet-4-5"})
	require.NoError(t, err)

	out, err := b.Reason(context.Background(), model.ReasoningRequest{Prompt: "justify the hold"})
	require.NoError(t, err)
	require.Equal(t, "the account looks compromised", out.Text)
	require.Equal(t, 120, out.Usage.InputTokens)
	require.Empty(t, fake.params.System)
}
