// Package bedrock provides a model.Backend implementation backed by the AWS
// Bedrock Converse API.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"goa.design/sourced/runtime/agent/model"
)

// defaultMaxTokens caps completions when Options leave MaxTokens unset.
const defaultMaxTokens = 1024

type (
	// RuntimeClient mirrors the subset of the AWS Bedrock runtime client used
	// by the adapter. It matches *bedrockruntime.Client so callers can pass
	// either the real client or a mock in tests.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	}

	// Options configures the Bedrock adapter.
	Options struct {
		// Runtime provides access to the Bedrock runtime. Required.
		Runtime RuntimeClient
		// DefaultModel is the model identifier used when the request does not
		// name one. Required.
		DefaultModel string
		// MaxTokens caps completions. Defaults to 1024.
		MaxTokens int
	}

	// Backend implements model.Backend on top of Bedrock Converse.
	Backend struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
	}
)

// New builds a Bedrock-backed model backend.
func New(opts Options) (*Backend, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Backend{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// Analyze implements model.Backend.
func (b *Backend) Analyze(ctx context.Context, req model.AnalysisRequest) (*model.Analysis, error) {
	text, usage, err := b.converse(ctx, req.Model, model.AnalysisSystemPrompt, model.AnalysisUserPrompt(req))
	if err != nil {
		return nil, err
	}
	verdict, err := model.ParseAnalysis(text)
	if err != nil {
		return nil, err
	}
	verdict.Usage = usage
	return verdict, nil
}

// Reason implements model.Backend.
func (b *Backend) Reason(ctx context.Context, req model.ReasoningRequest) (*model.Reasoning, error) {
	prompt := req.Prompt
	if len(req.Context) > 0 {
		prompt += "\n\nContext:\n" + string(req.Context)
	}
	text, usage, err := b.converse(ctx, req.Model, "", prompt)
	if err != nil {
		return nil, err
	}
	return &model.Reasoning{Text: text, Usage: usage}, nil
}

func (b *Backend) converse(ctx context.Context, modelID, system, prompt string) (string, model.Usage, error) {
	if modelID == "" {
		modelID = b.defaultModel
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{{
			Role:    brtypes.ConversationRoleUser,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
		}},
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(b.maxTokens)),
		},
	}
	if system != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}
	out, err := b.runtime.Converse(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", model.Usage{}, fmt.Errorf("bedrock converse: %s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
		}
		return "", model.Usage{}, fmt.Errorf("bedrock converse: %w", err)
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return "", model.Usage{}, errors.New("bedrock converse: unexpected output type")
	}
	var text string
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}
	var usage model.Usage
	if out.Usage != nil {
		usage = model.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return text, usage, nil
}
