package openai_test

import (
	"context"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/features/model/openai"
	"goa.design/sourced/runtime/agent/model"
)

type fakeChat struct {
	params sdk.ChatCompletionNewParams
	text   string
}

func (f *fakeChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.params = body
	return &sdk.ChatCompletion{
		Choices: []sdk.ChatCompletionChoice{{Message: sdk.ChatCompletionMessage{Content: f.text}}},
		Usage:   sdk.CompletionUsage{PromptTokens: 200, CompletionTokens: 30},
	}, nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openai.New(openai.Options{DefaultModel: "gpt-4o"})
	require.Error(t, err)
	_, err = openai.New(openai.Options{Chat: &fakeChat{}})
	require.Error(t, err)
}

func TestAnalyzeParsesVerdictAndUsage(t *testing.T) {
	fake := &fakeChat{text: `{"pattern_detected":true,"confidence":0.75,"summary":"repeat failures"}`}
	b, err := openai.New(openai.Options{Chat: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	verdict, err := b.Analyze(context.Background(), model.AnalysisRequest{Prompt: "watch payments"})
	require.NoError(t, err)
	require.True(t, verdict.PatternDetected)
	require.InDelta(t, 0.75, verdict.Confidence, 1e-9)
	require.Equal(t, model.Usage{InputTokens: 200, OutputTokens: 30}, verdict.Usage)

	require.Equal(t, sdk.ChatModel("gpt-4o"), fake.params.Model)
	require.Len(t, fake.params.Messages, 2)
}

func TestReasonSkipsSystemMessage(t *testing.T) {
	fake := &fakeChat{text: "hold looks justified"}
	b, err := openai.New(openai.Options{Chat: fake, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	out, err := b.Reason(context.Background(), model.ReasoningRequest{Model: "gpt-4o-mini", Prompt: "justify"})
	require.NoError(t, err)
	require.Equal(t, "hold looks justified", out.Text)
	require.Equal(t, sdk.ChatModel("gpt-4o-mini"), fake.params.Model)
	require.Len(t, fake.params.Messages, 1)
}
