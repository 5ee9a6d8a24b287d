// Package correlation provides identifier generation and causation-chain
// reconstruction for commands and events. Identifiers are UUID v7 so that
// lexical ordering approximates creation ordering in logs and indexes.
package correlation

import (
	"sort"

	"github.com/google/uuid"
)

type (
	// Link is one element of a causation chain: an event or command keyed by
	// its identifier, pointing at the identifier that caused it.
	Link struct {
		ID             string
		CausationID    string
		GlobalPosition int64
	}

	// Chain is a causation-ordered sequence of links sharing a correlation ID.
	Chain struct {
		CorrelationID string
		Links         []Link
	}
)

// NewID returns a new UUID v7 string. It falls back to a random v4 UUID when
// the system clock refuses to produce a v7 (which only happens when the
// monotonic counter is exhausted within a single clock tick).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EnsureID returns id unchanged when non-empty, otherwise a fresh UUID v7.
func EnsureID(id string) string {
	if id != "" {
		return id
	}
	return NewID()
}

// BuildChain orders the given links into a chain: roots (no causation ID)
// first, then by global position, so the result reads as the causal history
// of the correlation.
func BuildChain(correlationID string, links []Link) Chain {
	ordered := make([]Link, len(links))
	copy(ordered, links)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].CausationID == "") != (ordered[j].CausationID == "") {
			return ordered[i].CausationID == ""
		}
		return ordered[i].GlobalPosition < ordered[j].GlobalPosition
	})
	return Chain{CorrelationID: correlationID, Links: ordered}
}
