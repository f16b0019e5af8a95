package application

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/memory"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

// Property: validating the same command twice yields one outcome with the
// same id and payload.
func TestValidateRedeliveryIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("redelivered commands yield the recorded outcome", prop.ForAll(
		func(title string, verb int) bool {
			p := newPipeline(t)
			types := []string{"createEntry", "updateEntry", "deleteEntry"}
			cmd := command("c-"+title, types[verb], "r1", map[string]any{"title": title})
			first, err1 := p.validator.Validate(context.Background(), cmd)
			p.restartValidator()
			second, err2 := p.validator.Validate(context.Background(), cmd)
			if err1 != nil || err2 != nil {
				return false
			}
			published := len(p.events.all()) + len(p.rejections.all())
			return first.ID == second.ID && bytes.Equal(first.Payload, second.Payload) && published == 1
		},
		gen.AlphaString(),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

// Property: any command sequence on one resource, with validator restarts in
// between, materializes to a gapless version sequence, and replaying the
// event log from scratch reproduces the same entry.
func TestCommandSequencesMaterializeInOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("versions increase by one and replay is identical", prop.ForAll(
		func(ops []int, restarts []bool) bool {
			p := newPipeline(t)
			ctx := context.Background()
			types := []string{"createEntry", "updateEntry", "deleteEntry"}
			for i, op := range ops {
				cmd := command(fmt.Sprintf("c%d", i), types[op], "r1", map[string]any{"title": fmt.Sprintf("t%d", i)})
				msg := commandMessage(t, cmd, 0, int64(i))
				if err := p.validator.HandleMessage(ctx, msg); err != nil {
					return false
				}
				if i < len(restarts) && restarts[i] {
					p.restartValidator()
					// redeliver the command whose checkpoint may not have been seen
					if err := p.validator.HandleMessage(ctx, msg); err != nil {
						return false
					}
				}
				if i%2 == 0 {
					p.materialize()
				}
			}
			p.materialize()

			evts := p.appendedEvents()
			for i, evt := range evts {
				if evt.Version != int64(i+1) {
					return false
				}
			}
			incremental, err := p.store.Get(ctx, "entries", "r1")
			if len(evts) == 0 {
				return err != nil
			}
			if err != nil || incremental.Version != int64(len(evts)) {
				return false
			}

			replayed := memory.NewStore()
			m := NewMaterializer(MaterializerDependencies{Logger: discardLogger(), Registry: p.registry, Store: replayed})
			for _, msg := range p.events.all() {
				if err := m.HandleMessage(ctx, msg); err != nil {
					return false
				}
			}
			fromScratch, err := replayed.Get(ctx, "entries", "r1")
			return err == nil && reflect.DeepEqual(incremental, fromScratch)
		},
		gen.SliceOfN(12, gen.IntRange(0, 2)),
		gen.SliceOfN(12, gen.Bool()),
	))

	properties.TestingRun(t)
}

// Property: updating an id that was never created is always NotFound.
func TestUpdateOfUnknownIDIsAlwaysNotFound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("update on a missing resource is rejected with NotFound", prop.ForAll(
		func(resourceID, title string) bool {
			p := newPipeline(t)
			p.validate(command("seed", "createEntry", "seeded", map[string]any{"title": "seed"}))
			p.materialize()
			if resourceID == "" || resourceID == "seeded" {
				return true
			}
			outcome, err := p.validator.Validate(context.Background(),
				command("u-"+resourceID, "updateEntry", resourceID, map[string]any{"title": title}))
			if err != nil {
				return false
			}
			return outcome.Kind == domain.OutcomeRejection && outcome.Code == domain.CodeNotFound && len(p.events.all()) == 1
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// Property: shuffling events of one resource inside the gap window still
// converges on the in-order result.
func TestReorderedEventsConverge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("bounded reordering converges", prop.ForAll(
		func(swap int) bool {
			ctx := context.Background()
			evts := []contracts.Event{
				eventAt("r1", 1, "entryCreated", map[string]any{"title": "a"}),
				eventAt("r1", 2, "entryUpdated", map[string]any{"title": "b"}),
				eventAt("r1", 3, "entryUpdated", map[string]any{"title": "c"}),
				eventAt("r1", 4, "entryDeleted", nil),
			}
			evts[swap], evts[swap+1] = evts[swap+1], evts[swap]

			store := memory.NewStore()
			m := newTestMaterializer(t, store, nil, 4)
			for i, evt := range evts {
				if _, err := m.Apply(ctx, evt, Position{Offset: int64(i)}); err != nil {
					return false
				}
			}
			entry, err := store.Get(ctx, "entries", "r1")
			cp, _ := store.Checkpoint(ctx, EventLogName, 0)
			return err == nil && entry.Version == 4 && entry.Deleted && entry.State["title"] == "c" && cp.Offset == 4
		},
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
