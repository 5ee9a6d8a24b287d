package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AnalysisSystemPrompt instructs the model to answer with the structured
// verdict every provider adapter parses. Adapters send it as the system
// message of analysis calls.
const AnalysisSystemPrompt = `You are an event pattern analyst for an event-sourced system. ` +
	`Inspect the event history and answer with a single JSON object of the form ` +
	`{"pattern_detected": <bool>, "confidence": <number between 0 and 1>, "summary": "<short description>"} ` +
	`and nothing else.`

// AnalysisUserPrompt renders the user message of an analysis call: the
// agent's instruction followed by the event history, one JSON document per
// line.
func AnalysisUserPrompt(req AnalysisRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if len(req.History) > 0 {
		b.WriteString("\n\nEvent history, oldest first:\n")
		for _, evt := range req.History {
			b.Write(evt)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// ParseAnalysis extracts the JSON verdict from a model response. Providers
// occasionally wrap the object in prose, so parsing starts at the first brace
// and ends at the last.
func ParseAnalysis(text string) (*Analysis, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in analysis response")
	}
	var verdict struct {
		PatternDetected bool    `json:"pattern_detected"`
		Confidence      float64 `json:"confidence"`
		Summary         string  `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &verdict); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return &Analysis{
		PatternDetected: verdict.PatternDetected,
		Confidence:      verdict.Confidence,
		Summary:         verdict.Summary,
	}, nil
}
