package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Bus routes command envelopes to the orchestrator of their target bounded
// context. Agent-emitted commands cross context boundaries only through the
// bus, never by calling another context's handlers directly.
type Bus struct {
	mu       sync.RWMutex
	contexts map[string]*Orchestrator
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{contexts: make(map[string]*Orchestrator)}
}

// Mount binds a bounded context name to its orchestrator.
func (b *Bus) Mount(context string, o *Orchestrator) error {
	if context == "" {
		return errors.New("context name is required")
	}
	if o == nil {
		return errors.New("orchestrator is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.contexts[context]; ok {
		return fmt.Errorf("context %s already mounted", context)
	}
	b.contexts[context] = o
	return nil
}

// Dispatch routes the envelope to its target context's orchestrator. The
// orchestrator's command record gives the same idempotency guarantees as a
// direct Execute call.
func (b *Bus) Dispatch(ctx context.Context, env *Envelope) (*Result, error) {
	if env.TargetContext == "" {
		return nil, errors.New("target context is required")
	}
	b.mu.RLock()
	o, ok := b.contexts[env.TargetContext]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no orchestrator mounted for context %s", env.TargetContext)
	}
	return o.Execute(ctx, env)
}
