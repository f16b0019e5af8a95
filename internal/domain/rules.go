package domain

import (
	"context"
	"fmt"
	"reflect"
)

// CanTransition reports whether a verb is legal on the current entry:
// Unknown -create-> Live -update*-> Live -delete-> Tombstoned.
func CanTransition(current Entry, v Verb) bool {
	switch v {
	case VerbCreate:
		return current.Version == 0
	case VerbUpdate, VerbDelete:
		return current.Live()
	default:
		return false
	}
}

// UniqueFieldRules rejects creates and updates that reuse a natural key held
// by another live entry.
type UniqueFieldRules struct {
	Fields []string
}

func (r UniqueFieldRules) ValidateCreate(ctx context.Context, view EntryView, m Mutation) error {
	return r.checkUnique(ctx, view, m)
}

func (r UniqueFieldRules) ValidateUpdate(ctx context.Context, view EntryView, m Mutation, _ Entry) error {
	return r.checkUnique(ctx, view, m)
}

func (r UniqueFieldRules) ValidateDelete(context.Context, EntryView, Mutation, Entry) error {
	return nil
}

func (r UniqueFieldRules) checkUnique(ctx context.Context, view EntryView, m Mutation) error {
	wanted := map[string]any{}
	for _, f := range r.Fields {
		if v, ok := m.Body[f]; ok && v != nil {
			wanted[f] = v
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	for entry, err := range view.List(ctx, m.ResourceType) {
		if err != nil {
			return err
		}
		if !entry.Live() || entry.ResourceID == m.ResourceID {
			continue
		}
		for f, v := range wanted {
			if reflect.DeepEqual(entry.State[f], v) {
				return fmt.Errorf("%w: %s %v is already taken by %s", ErrConflict, f, v, entry.ResourceID)
			}
		}
	}
	return nil
}

// ReplaceReducer stores the event body as the new state. Deletes keep the
// last state so tombstones stay inspectable.
type ReplaceReducer struct{}

func (ReplaceReducer) Reduce(state map[string]any, change Change) (map[string]any, error) {
	switch change.Verb {
	case VerbCreate, VerbUpdate:
		return CloneState(change.Body), nil
	case VerbDelete:
		return CloneState(state), nil
	default:
		return nil, fmt.Errorf("%w: unsupported verb %q", ErrCorruptEnvelope, change.Verb)
	}
}

// CloneState deep-copies a JSON-shaped state map.
func CloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneState(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
