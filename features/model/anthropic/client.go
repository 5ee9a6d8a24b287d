// Package anthropic provides a model.Backend implementation backed by the
// Anthropic Claude Messages API via github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/sourced/runtime/agent/model"
)

// defaultMaxTokens caps completions when Options leave MaxTokens unset.
const defaultMaxTokens = 1024

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// Messages is the Anthropic messages client. Required.
		Messages MessagesClient
		// DefaultModel is the Claude model identifier used when the request
		// does not name one. Required.
		DefaultModel string
		// MaxTokens caps completions. Defaults to 1024.
		MaxTokens int
	}

	// Backend implements model.Backend on top of Claude Messages.
	Backend struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
	}
)

// New builds an Anthropic-backed model backend.
func New(opts Options) (*Backend, error) {
	if opts.Messages == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Backend{
		msg:          opts.Messages,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
	}, nil
}

// NewFromAPIKey constructs a backend using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Messages: &ac.Messages, DefaultModel: defaultModel})
}

// Analyze implements model.Backend.
func (b *Backend) Analyze(ctx context.Context, req model.AnalysisRequest) (*model.Analysis, error) {
	text, usage, err := b.complete(ctx, req.Model, model.AnalysisSystemPrompt, model.AnalysisUserPrompt(req))
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
	text, usage, err := b.complete(ctx, req.Model, "", prompt)
	if err != nil {
		return nil, err
	}
	return &model.Reasoning{Text: text, Usage: usage}, nil
}

func (b *Backend) complete(ctx context.Context, modelID, system, prompt string) (string, model.Usage, error) {
	if modelID == "" {
		modelID = b.defaultModel
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(b.maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	msg, err := b.msg.New(ctx, params)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	usage := model.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return text, usage, nil
}
