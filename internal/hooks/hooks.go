// Package hooks implements the topic-keyed hook registry used to let
// pipeline-adjacent code observe and short-circuit judge lifecycle
// events (a submission was dispatched, a result was ingested, a
// submission was found stuck, a message was dead-lettered) without the
// dispatcher/consumers importing them directly.
//
// Go has no equivalent of Rust's Hook<E>/GenericHook trait-object split,
// so every event is represented behind a single Event interface and
// handlers close over whichever concrete type they expect, type-asserting
// it themselves.
package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Event is implemented by every concrete event type the registry can
// dispatch. Topic groups related events under one registration key.
type Event interface {
	Topic() string
}

// Action is a handler's verdict on how to continue walking a topic's
// handler chain.
type Action int

const (
	// Pass lets the next handler in the chain run unchanged.
	Pass Action = iota
	// Stop short-circuits the chain; no further handlers run.
	Stop
	// Modified replaces the event seen by the remaining handlers.
	Modified
)

// HookFunc is one handler in a topic's chain. It returns the Action to
// take and, for Modified, the replacement event; the replacement event
// is ignored for Pass and Stop.
type HookFunc func(ctx context.Context, event Event) (Action, Event, error)

// Registry holds an ordered list of handlers per topic, safe for
// concurrent registration and triggering. Grounded on
// internal/ai/registry.go's map[string]T-behind-sync.RWMutex shape,
// generalized from one factory per key to an ordered slice of handlers
// per topic.
type Registry struct {
	mu    sync.RWMutex
	hooks map[string][]HookFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[string][]HookFunc)}
}

// Add registers fn to run for events on topic, after any handlers
// already registered for that topic.
func (r *Registry) Add(topic string, fn HookFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[topic] = append(r.hooks[topic], fn)
}

// Trigger runs event through its topic's handler chain in registration
// order. Handlers can inspect and replace the event (Modified) or halt
// the chain (Stop); if any handler returns an error, Trigger stops and
// returns it immediately. A topic with no registered handlers is a
// no-op Pass.
func (r *Registry) Trigger(ctx context.Context, event Event) (Action, Event, error) {
	r.mu.RLock()
	chain := r.hooks[event.Topic()]
	r.mu.RUnlock()

	if len(chain) == 0 {
		return Pass, event, nil
	}

	current := event
	for _, fn := range chain {
		action, next, err := fn(ctx, current)
		if err != nil {
			return Pass, current, fmt.Errorf("hooks: handler for topic %q: %w", event.Topic(), err)
		}
		switch action {
		case Pass:
			// keep current, continue
		case Modified:
			current = next
		case Stop:
			return Stop, current, nil
		}
	}
	return Modified, current, nil
}
