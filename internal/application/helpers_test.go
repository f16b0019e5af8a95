package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/events"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/memory"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

var errInjected = errors.New("injected failure")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testContentTypes() []domain.ContentType {
	return []domain.ContentType{{
		Base: "entries",
		Name: "Entry",
		Fields: domain.FieldSchema{
			{ID: "title", Type: domain.FieldString, Required: true},
			{ID: "slug", Type: domain.FieldString},
			{ID: "rank", Type: domain.FieldNumber},
		},
		Unique: []string{"slug"},
	}}
}

func testRegistry(t *testing.T) *domain.Registry {
	t.Helper()
	reg, err := domain.NewRegistry(testContentTypes())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg
}

type recordingSink struct {
	mu         sync.Mutex
	rejections []contracts.Rejection
	failNext   error
}

func (s *recordingSink) PublishRejection(_ context.Context, r contracts.Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.rejections = append(s.rejections, r)
	return nil
}

func (s *recordingSink) all() []contracts.Rejection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.Rejection(nil), s.rejections...)
}

type recordingGaps struct {
	mu     sync.Mutex
	faults []domain.GapFault
}

func (r *recordingGaps) ReportGap(_ context.Context, fault domain.GapFault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, fault)
	return nil
}

func (r *recordingGaps) all() []domain.GapFault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.GapFault(nil), r.faults...)
}

// recordingLog keeps a copy of every record it appends to the in-process
// log and can fail the next append.
type recordingLog struct {
	*events.MemoryLog

	mu       sync.Mutex
	failNext error
	records  map[int][]ports.LogMessage
}

func newRecordingLog(partitions int) *recordingLog {
	return &recordingLog{MemoryLog: events.NewMemoryLog(partitions), records: map[int][]ports.LogMessage{}}
}

func (l *recordingLog) Append(ctx context.Context, key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return err
	}
	if err := l.MemoryLog.Append(ctx, key, value); err != nil {
		return err
	}
	partition := l.PartitionFor(key)
	l.records[partition] = append(l.records[partition], ports.LogMessage{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Partition: partition,
		Offset:    int64(len(l.records[partition])),
	})
	return nil
}

func (l *recordingLog) failNextAppend(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *recordingLog) messages(partition int) []ports.LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ports.LogMessage(nil), l.records[partition]...)
}

// all returns every record, partition by partition.
func (l *recordingLog) all() []ports.LogMessage {
	partitions, _ := l.Partitions(context.Background())
	var out []ports.LogMessage
	for _, partition := range partitions {
		out = append(out, l.messages(partition)...)
	}
	return out
}

// flakyStore fails the next n upserts.
type flakyStore struct {
	ports.ReadStore
	failUpserts int
}

func (s *flakyStore) Upsert(ctx context.Context, entry domain.Entry, cp domain.Checkpoint) error {
	if s.failUpserts > 0 {
		s.failUpserts--
		return errInjected
	}
	return s.ReadStore.Upsert(ctx, entry, cp)
}

type pipeline struct {
	t            *testing.T
	registry     *domain.Registry
	store        *memory.Store
	events       *recordingLog
	rejections   *recordingSink
	gaps         *recordingGaps
	validator    *Validator
	materializer *Materializer
	applied      map[int]int
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		t:          t,
		registry:   testRegistry(t),
		store:      memory.NewStore(),
		events:     newRecordingLog(4),
		rejections: &recordingSink{},
		gaps:       &recordingGaps{},
		applied:    map[int]int{},
	}
	p.restartValidator()
	p.materializer = NewMaterializer(MaterializerDependencies{
		Logger:    discardLogger(),
		Registry:  p.registry,
		Store:     p.store,
		Gaps:      p.gaps,
		GapWindow: 3,
	})
	return p
}

// restartValidator replaces the validator with a fresh instance over the
// same durable state.
func (p *pipeline) restartValidator() {
	p.validator = NewValidator(ValidatorDependencies{
		Logger:      discardLogger(),
		Registry:    p.registry,
		Reads:       p.store,
		Outcomes:    p.store,
		Checkpoints: p.store,
		Events:      p.events,
		Rejections:  p.rejections,
	})
}

func (p *pipeline) validate(cmd contracts.Command) domain.Outcome {
	p.t.Helper()
	outcome, err := p.validator.Validate(context.Background(), cmd)
	if err != nil {
		p.t.Fatalf("validate %s: %v", cmd.Type, err)
	}
	return outcome
}

// materialize applies every event appended since the last call.
func (p *pipeline) materialize() {
	p.t.Helper()
	partitions, _ := p.events.Partitions(context.Background())
	for _, partition := range partitions {
		msgs := p.events.messages(partition)
		for _, msg := range msgs[p.applied[partition]:] {
			if err := p.materializer.HandleMessage(context.Background(), msg); err != nil {
				p.t.Fatalf("materialize offset %d/%d: %v", msg.Partition, msg.Offset, err)
			}
		}
		p.applied[partition] = len(msgs)
	}
}

func (p *pipeline) entry(resourceID string) domain.Entry {
	p.t.Helper()
	entry, err := p.store.Get(context.Background(), "entries", resourceID)
	if err != nil {
		p.t.Fatalf("get entry %s: %v", resourceID, err)
	}
	return entry
}

func (p *pipeline) appendedEvents() []contracts.Event {
	p.t.Helper()
	var out []contracts.Event
	for _, msg := range p.events.all() {
		evt, err := contracts.DecodeEvent(msg.Value)
		if err != nil {
			p.t.Fatalf("decode appended event: %v", err)
		}
		out = append(out, evt)
	}
	return out
}

func command(id, commandType, resourceID string, body map[string]any) contracts.Command {
	return contracts.Command{
		ID:         id,
		Type:       commandType,
		ResourceID: resourceID,
		Body:       body,
		Meta:       contracts.CommandMeta{User: "tester"},
	}
}

func commandMessage(t *testing.T, cmd contracts.Command, partition int, offset int64) ports.LogMessage {
	t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	return ports.LogMessage{Key: cmd.ResourceID, Value: raw, Partition: partition, Offset: offset}
}

func eventAt(id string, version int64, eventType string, body map[string]any) contracts.Event {
	return contracts.Event{
		ID:           fmt.Sprintf("%s-v%d", id, version),
		Type:         eventType,
		ResourceID:   id,
		ResourceType: "entries",
		Body:         body,
		Version:      version,
		CausedBy:     "cmd-" + id,
	}
}
