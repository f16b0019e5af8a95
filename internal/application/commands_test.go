package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

func newTestCommandService(t *testing.T, log *recordingLog) *CommandService {
	t.Helper()
	svc := NewCommandService(testRegistry(t), log)
	svc.idFn = func() string { return "11111111-2222-3333-4444-555555555555" }
	svc.nowFn = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return svc
}

func TestSubmitCreateUsesCommandIDAsResourceID(t *testing.T) {
	t.Parallel()
	log := newRecordingLog(3)
	svc := newTestCommandService(t, log)

	accepted, err := svc.Submit(context.Background(), SubmitInput{
		Verb: domain.VerbCreate, Base: "entries", Body: map[string]any{"title": "A"}, User: "u1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if accepted.CommandID != accepted.ResourceID || accepted.Type != "createEntry" {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}
	msgs := log.messages(log.PartitionFor(accepted.ResourceID))
	if len(msgs) != 1 || msgs[0].Key != accepted.ResourceID {
		t.Fatalf("expected one record keyed by resource id, got %+v", msgs)
	}
	cmd, err := contracts.DecodeCommand(msgs[0].Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cmd.Meta.User != "u1" || cmd.Meta.Timestamp.IsZero() || cmd.Body["title"] != "A" {
		t.Fatalf("unexpected envelope %+v", cmd)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   SubmitInput
		want error
	}{
		{name: "unknown base", in: SubmitInput{Verb: domain.VerbCreate, Base: "posts", Body: map[string]any{"title": "A"}}, want: domain.ErrNotFound},
		{name: "schema", in: SubmitInput{Verb: domain.VerbCreate, Base: "entries", Body: map[string]any{"title": 1.0}}, want: domain.ErrSchemaInvalid},
		{name: "update without id", in: SubmitInput{Verb: domain.VerbUpdate, Base: "entries", Body: map[string]any{"title": "A"}}, want: domain.ErrInvalidInput},
		{name: "bad verb", in: SubmitInput{Verb: "archive", Base: "entries", ResourceID: "r1"}, want: domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			log := newRecordingLog(1)
			svc := newTestCommandService(t, log)
			if _, err := svc.Submit(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if n := len(log.all()); n != 0 {
				t.Fatalf("expected nothing appended, got %d", n)
			}
		})
	}
}

func TestSubmitDeleteSkipsBodyValidation(t *testing.T) {
	t.Parallel()
	log := newRecordingLog(1)
	svc := newTestCommandService(t, log)
	accepted, err := svc.Submit(context.Background(), SubmitInput{Verb: domain.VerbDelete, Base: "entries", ResourceID: "r1"})
	if err != nil {
		t.Fatalf("submit delete: %v", err)
	}
	if accepted.ResourceID != "r1" || accepted.Type != "deleteEntry" {
		t.Fatalf("unexpected acceptance %+v", accepted)
	}
}

func TestSubmitSurfacesLogFailure(t *testing.T) {
	t.Parallel()
	log := newRecordingLog(1)
	log.failNextAppend(errInjected)
	svc := newTestCommandService(t, log)
	_, err := svc.Submit(context.Background(), SubmitInput{Verb: domain.VerbCreate, Base: "entries", Body: map[string]any{"title": "A"}})
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency error, got %v", err)
	}
}

func TestQueryServiceHidesTombstones(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	ctx := context.Background()
	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A"}))
	p.validate(command("c2", "createEntry", "r2", map[string]any{"title": "B"}))
	p.validate(command("c3", "deleteEntry", "r2", nil))
	p.materialize()

	q := NewQueryService(p.registry, p.store)
	if _, err := q.Get(ctx, "entries", "r2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected tombstone hidden, got %v", err)
	}
	entry, err := q.Get(ctx, "entries", "r1")
	if err != nil || entry.State["title"] != "A" {
		t.Fatalf("unexpected entry %+v %v", entry, err)
	}
	if _, err := q.Get(ctx, "posts", "r1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected unknown base to be NotFound, got %v", err)
	}

	seq, err := q.List(ctx, "entries")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for entry, err := range seq {
		if err != nil {
			t.Fatalf("iterate: %v", err)
		}
		ids = append(ids, entry.ResourceID)
	}
	if len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("expected only r1 listed, got %v", ids)
	}
}
