// Package openai provides a model.Backend implementation backed by the OpenAI
// Chat Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/sourced/runtime/agent/model"
)

type (
	// ChatClient captures the subset of the OpenAI SDK used by the adapter.
	// It is satisfied by *sdk.ChatCompletionService so callers can pass
	// either a real client or a mock in tests.
	ChatClient interface {
		New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Chat is the chat completions client. Required.
		Chat ChatClient
		// DefaultModel is the model identifier used when the request does not
		// name one. Required.
		DefaultModel string
	}

	// Backend implements model.Backend on top of Chat Completions.
	Backend struct {
		chat         ChatClient
		defaultModel string
	}
)

// New builds an OpenAI-backed model backend.
func New(opts Options) (*Backend, error) {
	if opts.Chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Backend{chat: opts.Chat, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a backend using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Chat: &client.Chat.Completions, DefaultModel: defaultModel})
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
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, sdk.SystemMessage(system))
	}
	messages = append(messages, sdk.UserMessage(prompt))
	resp, err := b.chat.New(ctx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
	})
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	var text string
	for _, choice := range resp.Choices {
		text += choice.Message.Content
	}
	usage := model.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	return text, usage, nil
}
