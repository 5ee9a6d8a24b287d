// Package model abstracts the LLM backend agents consult. Backends take the
// filtered event history of one entity and return either an analysis (pattern
// detection) or a reasoning result (free-form justification). Implementations
// wrap provider SDKs; the Mock backend is a valid no-op for rule-only agents.
package model

import (
	"context"
	"encoding/json"
)

type (
	// Backend is the decision support contract agents call.
	Backend interface {
		// Analyze inspects an entity's recent event history for patterns and
		// returns a structured verdict.
		Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error)

		// Reason produces a free-form justification for a proposed action.
		Reason(ctx context.Context, req ReasoningRequest) (*Reasoning, error)
	}

	// AnalysisRequest carries the context for pattern detection.
	AnalysisRequest struct {
		// Model identifies the target model. Empty uses the backend default.
		Model string
		// Prompt is the agent's analysis instruction.
		Prompt string
		// History is the serialized event history inside the pattern window.
		History []json.RawMessage
	}

	// Analysis is a structured pattern verdict.
	Analysis struct {
		// PatternDetected reports whether the backend found the pattern.
		PatternDetected bool
		// Confidence is the backend's confidence in [0,1].
		Confidence float64
		// Summary is a short human-readable description of the finding.
		Summary string
		// Usage reports token consumption for budget tracking.
		Usage Usage
	}

	// ReasoningRequest carries the context for justification.
	ReasoningRequest struct {
		// Model identifies the target model. Empty uses the backend default.
		Model string
		// Prompt is the reasoning instruction.
		Prompt string
		// Context is arbitrary serialized context for the model.
		Context json.RawMessage
	}

	// Reasoning is a free-form justification.
	Reasoning struct {
		// Text is the model's reasoning output.
		Text string
		// Usage reports token consumption for budget tracking.
		Usage Usage
	}

	// Usage is the token consumption of one backend call.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Cost is the per-token pricing of one model.
	Cost struct {
		InputPerToken  float64
		OutputPerToken float64
	}

	// Mock is a canned Backend for tests and rule-only agents.
	Mock struct {
		// AnalyzeFunc overrides Analyze. Nil returns an empty Analysis.
		AnalyzeFunc func(ctx context.Context, req AnalysisRequest) (*Analysis, error)
		// ReasonFunc overrides Reason. Nil returns an empty Reasoning.
		ReasonFunc func(ctx context.Context, req ReasoningRequest) (*Reasoning, error)
	}
)

// DefaultCosts maps model identifiers to per-token pricing. Callers may copy
// and extend it; EstimateCost works on any Cost value.
var DefaultCosts = map[string]Cost{
	"claude-sonnet-4-5":    {InputPerToken: 3e-6, OutputPerToken: 15e-6},
	"claude-haiku-4-5":     {InputPerToken: 1e-6, OutputPerToken: 5e-6},
	"gpt-4o":               {InputPerToken: 2.5e-6, OutputPerToken: 10e-6},
	"gpt-4o-mini":          {InputPerToken: 0.15e-6, OutputPerToken: 0.6e-6},
	"amazon.nova-pro-v1:0": {InputPerToken: 0.8e-6, OutputPerToken: 3.2e-6},
}

// EstimateCost prices a token count against a per-token rate.
func EstimateCost(tokens int, costPerToken float64) float64 {
	return float64(tokens) * costPerToken
}

// EstimateUsage prices a usage record against a model's cost entry.
func EstimateUsage(u Usage, c Cost) float64 {
	return EstimateCost(u.InputTokens, c.InputPerToken) + EstimateCost(u.OutputTokens, c.OutputPerToken)
}

// Analyze implements Backend.
func (m *Mock) Analyze(ctx context.Context, req AnalysisRequest) (*Analysis, error) {
	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, req)
	}
	return &Analysis{}, nil
}

// Reason implements Backend.
func (m *Mock) Reason(ctx context.Context, req ReasoningRequest) (*Reasoning, error) {
	if m.ReasonFunc != nil {
		return m.ReasonFunc(ctx, req)
	}
	return &Reasoning{}, nil
}
