package bedrock_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"goa.design/sourced/features/model/bedrock"
	"goa.design/sourced/runtime/agent/model"
)

type fakeRuntime struct {
	input *bedrockruntime.ConverseInput
	text  string
}

func (f *fakeRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = params
	return &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role:    brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: f.text}},
		}},
		Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(80), OutputTokens: aws.Int32(15)},
	}, nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := bedrock.New(bedrock.Options{DefaultModel: "amazon.nova-pro-v1:0"})
	require.Error(t, err)
	_, err = bedrock.New(bedrock.Options{Runtime: &fakeRuntime{}})
	require.Error(t, err)
}

func TestAnalyzeParsesVerdictAndUsage(t *testing.T) {
	fake := &fakeRuntime{text: `{"pattern_detected":true,"confidence":0.6,"summary":"slow drain"}`}
	b, err := bedrock.New(bedrock.Options{Runtime: fake, DefaultModel: "amazon.nova-pro-v1:0"})
	require.NoError(t, err)

	verdict, err := b.Analyze(context.Background(), model.AnalysisRequest{Prompt: "watch balance"})
	require.NoError(t, err)
	require.True(t, verdict.PatternDetected)
	require.InDelta(t, 0.6, verdict.Confidence, 1e-9)
	require.Equal(t, model.Usage{InputTokens: 80, OutputTokens: 15}, verdict.Usage)

	require.Equal(t, "amazon.nova-pro-v1:0", aws.ToString(fake.input.ModelId))
	require.Len(t, fake.input.System, 1)
	require.Len(t, fake.input.Messages, 1)
}

type failingRuntime struct {
	err error
}

func (f *failingRuntime) Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return nil, f.err
}

func TestAnalyzeSurfacesAPIErrorCode(t *testing.T) {
	fake := &failingRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	b, err := bedrock.New(bedrock.Options{Runtime: fake, DefaultModel: "amazon.nova-pro-v1:0"})
	require.NoError(t, err)

	_, err = b.Analyze(context.Background(), model.AnalysisRequest{Prompt: "watch"})
	require.ErrorContains(t, err, "ThrottlingException")
	require.ErrorContains(t, err, "slow down")
}

func TestReasonReturnsText(t *testing.T) {
	fake := &fakeRuntime{text: "freeze is proportionate"}
	b, err := bedrock.New(bedrock.Options{Runtime: fake, DefaultModel: "amazon.nova-pro-v1:0"})
	require.NoError(t, err)

	out, err := b.Reason(context.Background(), model.ReasoningRequest{Prompt: "justify freeze"})
	require.NoError(t, err)
	require.Equal(t, "freeze is proportionate", out.Text)
	require.Empty(t, fake.input.System)
}
