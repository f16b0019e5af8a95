package application

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

func TestValidateCreateEmitsEventAndMaterializes(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	outcome := p.validate(command("c1", "createEntry", "", map[string]any{"title": "A"}))
	if outcome.Kind != domain.OutcomeEvent || outcome.Version != 1 {
		t.Fatalf("expected event at version 1, got %+v", outcome)
	}
	if outcome.ID != domain.OutcomeID("c1") {
		t.Fatalf("expected outcome id derived from command id, got %s", outcome.ID)
	}
	evts := p.appendedEvents()
	if len(evts) != 1 {
		t.Fatalf("expected one appended event, got %d", len(evts))
	}
	if evts[0].Type != "entryCreated" || evts[0].ResourceID != "c1" || evts[0].CausedBy != "c1" || evts[0].ResourceType != "entries" {
		t.Fatalf("unexpected event %+v", evts[0])
	}

	p.materialize()
	entry := p.entry("c1")
	if entry.Version != 1 || entry.Deleted || entry.State["title"] != "A" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestRedeliveredCreateProducesNoSecondEvent(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	ctx := context.Background()
	msg := commandMessage(t, command("c1", "createEntry", "r1", map[string]any{"title": "A"}), 0, 0)

	if err := p.validator.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	p.materialize()
	p.restartValidator()
	if err := p.validator.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	p.materialize()

	if n := len(p.events.all()); n != 1 {
		t.Fatalf("expected exactly one event, got %d", n)
	}
	if entry := p.entry("r1"); entry.Version != 1 {
		t.Fatalf("expected entry to stay at version 1, got %d", entry.Version)
	}
	cp, _ := p.store.Checkpoint(ctx, CommandLogName, 0)
	if cp.Offset != 1 {
		t.Fatalf("expected command checkpoint 1, got %d", cp.Offset)
	}
}

func TestValidateIsIdempotentForRejections(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	cmd := command("c1", "updateEntry", "missing", map[string]any{"title": "A"})

	first := p.validate(cmd)
	second := p.validate(cmd)
	if first.ID != second.ID || !bytes.Equal(first.Payload, second.Payload) {
		t.Fatalf("expected identical outcomes, got %+v and %+v", first, second)
	}
	if n := len(p.rejections.all()); n != 1 {
		t.Fatalf("expected one published rejection, got %d", n)
	}
}

func TestUpdateOfMissingResourceIsRejectedNotFound(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	outcome := p.validate(command("c1", "updateEntry", "ghost", map[string]any{"title": "B"}))
	if outcome.Kind != domain.OutcomeRejection || outcome.Code != domain.CodeNotFound {
		t.Fatalf("expected NotFound rejection, got %+v", outcome)
	}
	if n := len(p.events.all()); n != 0 {
		t.Fatalf("expected no event, got %d", n)
	}
	rejections := p.rejections.all()
	if len(rejections) != 1 || rejections[0].CausedBy != "c1" || rejections[0].Code != "NotFound" {
		t.Fatalf("unexpected rejections %+v", rejections)
	}
	if _, err := p.store.Get(context.Background(), "entries", "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected read store untouched, got %v", err)
	}
}

func TestDeleteTombstonesAndBlocksLaterUpdates(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A"}))
	p.materialize()
	deleted := p.validate(command("c2", "deleteEntry", "r1", nil))
	if deleted.Kind != domain.OutcomeEvent || deleted.Version != 2 {
		t.Fatalf("expected delete event at version 2, got %+v", deleted)
	}
	p.materialize()
	entry := p.entry("r1")
	if entry.Version != 2 || !entry.Deleted {
		t.Fatalf("expected tombstone at version 2, got %+v", entry)
	}
	if entry.State["title"] != "A" {
		t.Fatalf("expected tombstone to keep last state, got %+v", entry.State)
	}
	evts := p.appendedEvents()
	if evts[len(evts)-1].Type != "entryDeleted" {
		t.Fatalf("expected entryDeleted, got %s", evts[len(evts)-1].Type)
	}

	update := p.validate(command("c3", "updateEntry", "r1", map[string]any{"title": "B"}))
	if update.Code != domain.CodeNotFound {
		t.Fatalf("expected NotFound on tombstone, got %+v", update)
	}
	recreate := p.validate(command("c4", "createEntry", "r1", map[string]any{"title": "B"}))
	if recreate.Code != domain.CodeConflict {
		t.Fatalf("expected Conflict when re-creating a tombstoned id, got %+v", recreate)
	}
}

func TestStructuralValidationRejectsSchemaInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		cmd  string
		id   string
		body map[string]any
	}{
		{name: "missing required", cmd: "createEntry", body: map[string]any{"slug": "a"}},
		{name: "null required", cmd: "createEntry", body: map[string]any{"title": nil}},
		{name: "wrong type", cmd: "createEntry", body: map[string]any{"title": 42.0}},
		{name: "wrong optional type", cmd: "createEntry", body: map[string]any{"title": "A", "rank": "high"}},
		{name: "unknown verb", cmd: "archiveEntry", body: map[string]any{"title": "A"}},
		{name: "unknown content type", cmd: "createPost", body: map[string]any{"title": "A"}},
		{name: "update without resource id", cmd: "updateEntry", body: map[string]any{"title": "A"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := newPipeline(t)
			outcome := p.validate(command("c-"+tc.name, tc.cmd, tc.id, tc.body))
			if outcome.Kind != domain.OutcomeRejection || outcome.Code != domain.CodeSchemaInvalid {
				t.Fatalf("expected SchemaInvalid, got %+v", outcome)
			}
		})
	}
}

func TestDeleteBodyIsNotValidated(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A"}))
	outcome := p.validate(command("c2", "deleteEntry", "r1", map[string]any{"title": 7.0}))
	if outcome.Kind != domain.OutcomeEvent {
		t.Fatalf("expected delete to be accepted, got %+v", outcome)
	}
}

func TestUniqueSlugConflict(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A", "slug": "hello"}))
	p.materialize()
	outcome := p.validate(command("c2", "createEntry", "r2", map[string]any{"title": "B", "slug": "hello"}))
	if outcome.Code != domain.CodeConflict {
		t.Fatalf("expected Conflict, got %+v", outcome)
	}
	same := p.validate(command("c3", "updateEntry", "r1", map[string]any{"title": "A2", "slug": "hello"}))
	if same.Kind != domain.OutcomeEvent {
		t.Fatalf("expected an entry to keep its own slug, got %+v", same)
	}
}

func TestConsecutiveCommandsGetConsecutiveVersionsWhileMaterializerLags(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)

	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A"}))
	p.validate(command("c2", "updateEntry", "r1", map[string]any{"title": "B"}))
	p.validate(command("c3", "updateEntry", "r1", map[string]any{"title": "C"}))
	deleted := p.validate(command("c4", "deleteEntry", "r1", nil))
	if deleted.Version != 4 {
		t.Fatalf("expected delete at version 4, got %d", deleted.Version)
	}
	again := p.validate(command("c5", "updateEntry", "r1", map[string]any{"title": "D"}))
	if again.Code != domain.CodeNotFound {
		t.Fatalf("expected NotFound after unmaterialized delete, got %+v", again)
	}

	p.materialize()
	entry := p.entry("r1")
	if entry.Version != 4 || !entry.Deleted || entry.State["title"] != "C" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestFailedAppendIsRepublishedWithoutNewDecision(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	ctx := context.Background()
	msg := commandMessage(t, command("c1", "createEntry", "r1", map[string]any{"title": "A"}), 2, 7)

	p.events.failNextAppend(errInjected)
	if err := p.validator.HandleMessage(ctx, msg); err == nil {
		t.Fatalf("expected append failure to surface")
	}
	recorded, err := p.store.Outcome(ctx, domain.OutcomeID("c1"))
	if err != nil || recorded.Published {
		t.Fatalf("expected recorded unpublished outcome, got %+v %v", recorded, err)
	}
	cp, _ := p.store.Checkpoint(ctx, CommandLogName, 2)
	if cp.Offset != 0 {
		t.Fatalf("expected checkpoint to stay put, got %d", cp.Offset)
	}

	p.restartValidator()
	if err := p.validator.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	msgs := p.events.all()
	if len(msgs) != 1 || !bytes.Equal(msgs[0].Value, recorded.Payload) {
		t.Fatalf("expected the recorded payload to be appended once, got %d records", len(msgs))
	}
	cp, _ = p.store.Checkpoint(ctx, CommandLogName, 2)
	if cp.Offset != 8 {
		t.Fatalf("expected checkpoint 8, got %d", cp.Offset)
	}
	published, _ := p.store.Outcome(ctx, domain.OutcomeID("c1"))
	if !published.Published {
		t.Fatalf("expected outcome marked published")
	}
}

func TestFailedRejectionPublishIsRetried(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	cmd := command("c1", "updateEntry", "ghost", map[string]any{"title": "A"})

	p.rejections.failNext = errInjected
	if _, err := p.validator.Validate(context.Background(), cmd); !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	outcome := p.validate(cmd)
	if outcome.Code != domain.CodeNotFound || len(p.rejections.all()) != 1 {
		t.Fatalf("expected one NotFound rejection after retry, got %+v", p.rejections.all())
	}
}

func TestCorruptCommandIsSkipped(t *testing.T) {
	t.Parallel()
	p := newPipeline(t)
	ctx := context.Background()

	msg := ports.LogMessage{Key: "r1", Value: []byte("{not json"), Partition: 1, Offset: 3}
	if err := p.validator.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("expected corrupt envelope to be skipped, got %v", err)
	}
	missingID := ports.LogMessage{Key: "r1", Value: []byte(`{"type":"createEntry"}`), Partition: 1, Offset: 4}
	if err := p.validator.HandleMessage(ctx, missingID); err != nil {
		t.Fatalf("expected envelope without id to be skipped, got %v", err)
	}
	cp, _ := p.store.Checkpoint(ctx, CommandLogName, 1)
	if cp.Offset != 5 {
		t.Fatalf("expected checkpoint 5, got %d", cp.Offset)
	}
	if len(p.events.all()) != 0 || len(p.rejections.all()) != 0 {
		t.Fatalf("expected nothing published for corrupt envelopes")
	}
}

type vetoRules struct {
	domain.UniqueFieldRules
}

func (vetoRules) ValidateDelete(_ context.Context, _ domain.EntryView, m domain.Mutation, current domain.Entry) error {
	if current.State["locked"] == true {
		return domain.ErrBusinessRule
	}
	return nil
}

func TestPluggableRulesProduceBusinessRuleViolation(t *testing.T) {
	t.Parallel()
	types := testContentTypes()
	types[0].Fields = append(types[0].Fields, domain.Field{ID: "locked", Type: domain.FieldBoolean})
	reg, err := domain.NewRegistry(types, domain.WithHandler("entries", domain.Handler{Rules: vetoRules{}}))
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	p := newPipeline(t)
	p.registry = reg
	p.materializer = NewMaterializer(MaterializerDependencies{Registry: reg, Store: p.store, Logger: discardLogger()})
	p.restartValidator()

	p.validate(command("c1", "createEntry", "r1", map[string]any{"title": "A", "locked": true}))
	p.materialize()
	outcome := p.validate(command("c2", "deleteEntry", "r1", nil))
	if outcome.Code != domain.CodeBusinessRuleViolation {
		t.Fatalf("expected BusinessRuleViolation, got %+v", outcome)
	}
	if !strings.Contains(string(outcome.Payload), "BusinessRuleViolation") {
		t.Fatalf("expected code in rejection payload, got %s", outcome.Payload)
	}
}
