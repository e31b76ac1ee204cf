// Package registry maps event_type strings to task handlers.
//
// A Registry is built once at startup and never mutated afterwards, so it
// can be shared by the dispatcher and the CLI without locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
)

// ErrInvalidParams is returned by Typed handlers when params do not decode.
var ErrInvalidParams = errors.New("registry: invalid params")

// Handler executes one task. The returned value is reported back to the
// dispatcher caller verbatim and should be JSON-serializable.
type Handler func(ctx context.Context, params Params) (any, error)

// Registry is an immutable event_type -> Handler table.
type Registry struct {
	handlers map[string]Handler
}

// New copies handlers into a fresh registry. Empty names and nil handlers are ignored.
func New(handlers map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for name, h := range handlers {
		if strings.TrimSpace(name) == "" || h == nil {
			continue
		}
		r.handlers[name] = h
	}
	return r
}

// Lookup is an exact, case-sensitive match. A miss is not an error.
func (r *Registry) Lookup(eventType string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[eventType]
	return h, ok
}

// Names returns the registered event types, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.handlers))
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.handlers)
}

// Typed adapts a handler taking a decoded struct. Params are round-tripped
// through JSON into P; unknown keys are ignored.
func Typed[P any](fn func(ctx context.Context, p P) (any, error)) Handler {
	return func(ctx context.Context, params Params) (any, error) {
		var p P
		if len(params) > 0 {
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, errors.Join(ErrInvalidParams, err)
			}
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, errors.Join(ErrInvalidParams, err)
			}
		}
		return fn(ctx, p)
	}
}
