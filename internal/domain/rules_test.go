package domain

import (
	"context"
	"errors"
	"iter"
	"testing"
)

type sliceView []Entry

func (v sliceView) Get(_ context.Context, resourceType, resourceID string) (Entry, error) {
	for _, e := range v {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			return e, nil
		}
	}
	return Entry{}, ErrNotFound
}

func (v sliceView) List(_ context.Context, resourceType string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, e := range v {
			if e.ResourceType == resourceType && !yield(e, nil) {
				return
			}
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	unknown := Entry{}
	live := Entry{Version: 2}
	tombstone := Entry{Version: 3, Deleted: true}

	cases := []struct {
		name    string
		current Entry
		verb    Verb
		want    bool
	}{
		{"create on unknown", unknown, VerbCreate, true},
		{"update on unknown", unknown, VerbUpdate, false},
		{"delete on unknown", unknown, VerbDelete, false},
		{"create on live", live, VerbCreate, false},
		{"update on live", live, VerbUpdate, true},
		{"delete on live", live, VerbDelete, true},
		{"create on tombstone", tombstone, VerbCreate, false},
		{"update on tombstone", tombstone, VerbUpdate, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.current, tc.verb); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestUniqueFieldRules(t *testing.T) {
	t.Parallel()
	view := sliceView{
		{ResourceType: "entries", ResourceID: "r1", Version: 1, State: map[string]any{"slug": "taken"}},
		{ResourceType: "entries", ResourceID: "r2", Version: 2, Deleted: true, State: map[string]any{"slug": "freed"}},
	}
	rules := UniqueFieldRules{Fields: []string{"slug"}}
	ctx := context.Background()

	err := rules.ValidateCreate(ctx, view, Mutation{ResourceType: "entries", ResourceID: "r3", Body: map[string]any{"slug": "taken"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := rules.ValidateCreate(ctx, view, Mutation{ResourceType: "entries", ResourceID: "r3", Body: map[string]any{"slug": "freed"}}); err != nil {
		t.Fatalf("expected tombstoned slug to be free, got %v", err)
	}
	if err := rules.ValidateUpdate(ctx, view, Mutation{ResourceType: "entries", ResourceID: "r1", Body: map[string]any{"slug": "taken"}}, view[0]); err != nil {
		t.Fatalf("expected own slug to be allowed, got %v", err)
	}
	if err := rules.ValidateCreate(ctx, view, Mutation{ResourceType: "entries", ResourceID: "r4", Body: map[string]any{"title": "x"}}); err != nil {
		t.Fatalf("expected absent unique field to pass, got %v", err)
	}
}

func TestReplaceReducerDoesNotAlias(t *testing.T) {
	t.Parallel()
	body := map[string]any{"title": "A", "meta": map[string]any{"k": "v"}}
	state, err := ReplaceReducer{}.Reduce(nil, Change{Verb: VerbCreate, Body: body, Version: 1})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	body["meta"].(map[string]any)["k"] = "changed"
	if state["meta"].(map[string]any)["k"] != "v" {
		t.Fatalf("expected state to be a deep copy")
	}
	kept, err := ReplaceReducer{}.Reduce(state, Change{Verb: VerbDelete, Version: 2})
	if err != nil || kept["title"] != "A" {
		t.Fatalf("expected delete to keep state, got %+v %v", kept, err)
	}
	if _, err := (ReplaceReducer{}).Reduce(state, Change{Verb: "archive"}); err == nil {
		t.Fatalf("expected unsupported verb to fail")
	}
}

func TestOutcomeIDIsDeterministic(t *testing.T) {
	t.Parallel()
	if OutcomeID("cmd-1") != OutcomeID(" cmd-1 ") {
		t.Fatalf("expected trimmed ids to match")
	}
	if OutcomeID("cmd-1") == OutcomeID("cmd-2") {
		t.Fatalf("expected different commands to get different ids")
	}
}
