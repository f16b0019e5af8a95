// Package storetest holds the behaviour every ports.Store backend must share.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

// Run exercises a store backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("entries", func(t *testing.T) { testEntries(t, newStore(t)) })
	t.Run("list", func(t *testing.T) { testList(t, newStore(t)) })
	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, newStore(t)) })
	t.Run("faults", func(t *testing.T) { testFaults(t, newStore(t)) })
	t.Run("outcomes", func(t *testing.T) { testOutcomes(t, newStore(t)) })
}

func testEntries(t *testing.T, store ports.Store) {
	ctx := context.Background()
	if _, err := store.Get(ctx, "entries", "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound on empty store, got %v", err)
	}
	entry := domain.Entry{
		ResourceType: "entries",
		ResourceID:   "r1",
		Version:      2,
		State:        map[string]any{"title": "A", "rank": 3.5, "tags": []any{"x", "y"}, "meta": map[string]any{"ok": true}},
		Deleted:      true,
	}
	cp := domain.Checkpoint{LogName: "events", Partition: 1, Offset: 9}
	if err := store.Upsert(ctx, entry, cp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := store.Get(ctx, "entries", "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !reflect.DeepEqual(got, entry) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, entry)
	}
	saved, _ := store.Checkpoint(ctx, "events", 1)
	if saved.Offset != 9 {
		t.Fatalf("expected upsert to save checkpoint 9, got %d", saved.Offset)
	}
	got.State["title"] = "mutated"
	again, _ := store.Get(ctx, "entries", "r1")
	if again.State["title"] != "A" {
		t.Fatalf("expected returned entry to be a copy")
	}
	if err := store.Upsert(ctx, domain.Entry{ResourceType: "entries"}, cp); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing id, got %v", err)
	}
}

func testList(t *testing.T, store ports.Store) {
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		entry := domain.Entry{ResourceType: "entries", ResourceID: fmt.Sprintf("r%02d", 6-i), Version: 1, State: map[string]any{"i": float64(i)}}
		if err := store.Upsert(ctx, entry, domain.Checkpoint{LogName: "events", Offset: int64(i + 1)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	other := domain.Entry{ResourceType: "authors", ResourceID: "a1", Version: 1, State: map[string]any{}}
	if err := store.Upsert(ctx, other, domain.Checkpoint{LogName: "events", Offset: 8}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	collect := func(limit int) []string {
		var ids []string
		for entry, err := range store.List(ctx, "entries") {
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			ids = append(ids, entry.ResourceID)
			if len(ids) == limit {
				break
			}
		}
		return ids
	}
	ids := collect(-1)
	if len(ids) != 7 || ids[0] != "r00" || ids[6] != "r06" {
		t.Fatalf("expected 7 entries ordered by id, got %v", ids)
	}
	if early := collect(2); len(early) != 2 {
		t.Fatalf("expected early stop after 2, got %v", early)
	}
	if again := collect(-1); !reflect.DeepEqual(again, ids) {
		t.Fatalf("expected list to be restartable, got %v", again)
	}
}

func testCheckpoints(t *testing.T, store ports.Store) {
	ctx := context.Background()
	cp, err := store.Checkpoint(ctx, "commands", 3)
	if err != nil || cp.Offset != 0 || cp.LogName != "commands" || cp.Partition != 3 {
		t.Fatalf("expected zero checkpoint, got %+v %v", cp, err)
	}
	for _, offset := range []int64{5, 6} {
		if err := store.SaveCheckpoint(ctx, domain.Checkpoint{LogName: "commands", Partition: 3, Offset: offset}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	cp, _ = store.Checkpoint(ctx, "commands", 3)
	if cp.Offset != 6 {
		t.Fatalf("expected 6, got %d", cp.Offset)
	}
	other, _ := store.Checkpoint(ctx, "events", 3)
	if other.Offset != 0 {
		t.Fatalf("expected checkpoints to be per log, got %d", other.Offset)
	}
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{LogName: "", Offset: 1}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid checkpoint to fail, got %v", err)
	}
}

func testFaults(t *testing.T, store ports.Store) {
	ctx := context.Background()
	fault := domain.GapFault{
		ResourceType:    "entries",
		ResourceID:      "r1",
		ExpectedVersion: 2,
		Reason:          "gap",
		Events:          []json.RawMessage{json.RawMessage(`{"version":3}`)},
		DetectedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.ParkFault(ctx, fault, domain.Checkpoint{LogName: "events", Partition: 0, Offset: 4}); err != nil {
		t.Fatalf("park: %v", err)
	}
	if halted, err := store.Halted(ctx, "entries", "r1"); err != nil || !halted {
		t.Fatalf("expected halted, got %v %v", halted, err)
	}
	if halted, _ := store.Halted(ctx, "entries", "r2"); halted {
		t.Fatalf("expected other resources to run")
	}
	cp, _ := store.Checkpoint(ctx, "events", 0)
	if cp.Offset != 4 {
		t.Fatalf("expected park to save checkpoint 4, got %d", cp.Offset)
	}
	faults, err := store.Faults(ctx)
	if err != nil || len(faults) != 1 {
		t.Fatalf("expected one fault, got %d %v", len(faults), err)
	}
	if faults[0].ExpectedVersion != 2 || string(faults[0].Events[0]) != `{"version":3}` || !faults[0].DetectedAt.Equal(fault.DetectedAt) {
		t.Fatalf("unexpected fault %+v", faults[0])
	}
}

func testOutcomes(t *testing.T, store ports.Store) {
	ctx := context.Background()
	if _, err := store.Outcome(ctx, "o1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if _, err := store.Head(ctx, "entries", "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected no head, got %v", err)
	}
	outcome := domain.Outcome{
		ID:           "o1",
		CommandID:    "c1",
		Kind:         domain.OutcomeEvent,
		ResourceType: "entries",
		ResourceID:   "r1",
		Version:      1,
		Payload:      []byte(`{"id":"o1"}`),
		RecordedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	head := &domain.ResourceHead{ResourceType: "entries", ResourceID: "r1", Version: 1}
	if err := store.RecordOutcome(ctx, outcome, head); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordOutcome(ctx, outcome, head); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict on second record, got %v", err)
	}
	got, err := store.Outcome(ctx, "o1")
	if err != nil || got.Published || got.Kind != domain.OutcomeEvent || string(got.Payload) != `{"id":"o1"}` {
		t.Fatalf("unexpected outcome %+v %v", got, err)
	}
	if err := store.MarkPublished(ctx, "o1"); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	if got, _ := store.Outcome(ctx, "o1"); !got.Published {
		t.Fatalf("expected published outcome")
	}
	if err := store.MarkPublished(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected NotFound for unknown outcome, got %v", err)
	}
	h, err := store.Head(ctx, "entries", "r1")
	if err != nil || h.Version != 1 || h.Deleted {
		t.Fatalf("unexpected head %+v %v", h, err)
	}

	rejection := domain.Outcome{ID: "o2", CommandID: "c2", Kind: domain.OutcomeRejection, Code: domain.CodeNotFound, Payload: []byte(`{}`)}
	if err := store.RecordOutcome(ctx, rejection, nil); err != nil {
		t.Fatalf("record rejection: %v", err)
	}
	got, _ = store.Outcome(ctx, "o2")
	if got.Code != domain.CodeNotFound || got.Kind != domain.OutcomeRejection {
		t.Fatalf("unexpected rejection outcome %+v", got)
	}
}
