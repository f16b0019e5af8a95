package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

const (
	defaultGapWindow = 16
	defaultGapLag    = 1024
)

// Position locates an event in the event log.
type Position struct {
	Partition int
	Offset    int64
}

type MaterializerDependencies struct {
	Logger   *slog.Logger
	Registry *domain.Registry
	Store    ports.ReadStore
	Gaps     ports.GapReporter
	LogName  string
	// GapWindow is how many out-of-order events one resource may hold before
	// the gap is parked as a fault.
	GapWindow int
	// GapLag is how many offsets a partition may advance past a held event
	// before its resource is parked, however few events it holds.
	GapLag int64
}

// Materializer folds the event log into the read store. Each applied event is
// persisted together with its checkpoint.
type Materializer struct {
	logger    *slog.Logger
	registry  *domain.Registry
	store     ports.ReadStore
	gaps      ports.GapReporter
	logName   string
	gapWindow int
	gapLag    int64
	nowFn     func() time.Time

	mu      sync.Mutex
	buffers map[int]*partitionBuffer
}

func NewMaterializer(deps MaterializerDependencies) *Materializer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logName := deps.LogName
	if logName == "" {
		logName = EventLogName
	}
	window := deps.GapWindow
	if window <= 0 {
		window = defaultGapWindow
	}
	lag := deps.GapLag
	if lag <= 0 {
		lag = defaultGapLag
	}
	return &Materializer{
		logger:    logger,
		registry:  deps.Registry,
		store:     deps.Store,
		gaps:      deps.Gaps,
		logName:   logName,
		gapWindow: window,
		gapLag:    lag,
		nowFn:     func() time.Time { return time.Now().UTC() },
		buffers:   map[int]*partitionBuffer{},
	}
}

func (m *Materializer) buffer(partition int) *partitionBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[partition]
	if !ok {
		buf = newPartitionBuffer()
		m.buffers[partition] = buf
	}
	return buf
}

// Apply folds one event read at pos. Calls for the same partition must be
// sequential. After an error the call may be retried with the same event;
// work already persisted comes back as a duplicate.
func (m *Materializer) Apply(ctx context.Context, evt contracts.Event, pos Position) (domain.ApplyResult, error) {
	result, err := m.apply(ctx, evt, pos)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if err := m.expireLagging(ctx, pos); err != nil {
		return domain.ApplyResult{}, err
	}
	return result, nil
}

func (m *Materializer) apply(ctx context.Context, evt contracts.Event, pos Position) (domain.ApplyResult, error) {
	verb, err := domain.ParseEventType(evt.Type)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if _, err := m.registry.ContentType(evt.ResourceType); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("%w: %v", domain.ErrCorruptEnvelope, err)
	}
	buf := m.buffer(pos.Partition)
	key := domain.ResourceKey(evt.ResourceType, evt.ResourceID)

	halted, err := m.store.Halted(ctx, evt.ResourceType, evt.ResourceID)
	if err != nil {
		return domain.ApplyResult{}, fmt.Errorf("check halted %s: %w", key, err)
	}
	current, err := m.load(ctx, evt.ResourceType, evt.ResourceID)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if halted {
		return m.parkHalted(ctx, buf, evt, pos, current)
	}

	if evt.Version <= current.Version {
		if err := m.store.SaveCheckpoint(ctx, m.checkpoint(buf, pos, "", 0)); err != nil {
			return domain.ApplyResult{}, fmt.Errorf("save checkpoint after duplicate: %w", err)
		}
		return domain.ApplyResult{Status: domain.ApplyDuplicate, Version: current.Version}, nil
	}
	if evt.Version > current.Version+1 || !domain.CanTransition(current, verb) {
		return m.hold(ctx, buf, key, evt, pos, current)
	}

	next, err := m.reduce(current, evt, verb)
	if err != nil {
		buf.add(key, bufferedEvent{event: evt, offset: pos.Offset})
		return m.fault(ctx, buf, key, current, pos, err.Error())
	}
	drained := 0
	var drainErr error
	for {
		be, ok := buf.next(key, next.Version+1)
		if !ok {
			break
		}
		v, err := domain.ParseEventType(be.event.Type)
		if err != nil || !domain.CanTransition(next, v) {
			break
		}
		reduced, err := m.reduce(next, be.event, v)
		if err != nil {
			drainErr = err
			break
		}
		next = reduced
		drained++
	}

	if err := m.store.Upsert(ctx, next, m.checkpoint(buf, pos, key, next.Version)); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("upsert %s at version %d: %w", key, next.Version, err)
	}
	buf.dropThrough(key, next.Version)
	if drainErr != nil {
		return m.fault(ctx, buf, key, next, pos, drainErr.Error())
	}
	return domain.ApplyResult{Status: domain.ApplyApplied, Version: next.Version, Drained: drained}, nil
}

func (m *Materializer) load(ctx context.Context, resourceType, resourceID string) (domain.Entry, error) {
	entry, err := m.store.Get(ctx, resourceType, resourceID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.Entry{ResourceType: resourceType, ResourceID: resourceID, State: map[string]any{}}, nil
	case err != nil:
		return domain.Entry{}, fmt.Errorf("load %s/%s: %w", resourceType, resourceID, err)
	}
	return entry, nil
}

func (m *Materializer) reduce(current domain.Entry, evt contracts.Event, verb domain.Verb) (domain.Entry, error) {
	handler, err := m.registry.HandlerFor(evt.ResourceType)
	if err != nil {
		return domain.Entry{}, err
	}
	state, err := handler.Reducer.Reduce(domain.CloneState(current.State), domain.Change{
		Verb:    verb,
		Body:    evt.Body,
		Version: evt.Version,
	})
	if err != nil {
		return domain.Entry{}, fmt.Errorf("reduce %s version %d: %w", evt.Type, evt.Version, err)
	}
	if state == nil {
		state = map[string]any{}
	}
	return domain.Entry{
		ResourceType: current.ResourceType,
		ResourceID:   current.ResourceID,
		Version:      evt.Version,
		State:        state,
		Deleted:      verb == domain.VerbDelete,
	}, nil
}

func (m *Materializer) hold(ctx context.Context, buf *partitionBuffer, key string, evt contracts.Event, pos Position, current domain.Entry) (domain.ApplyResult, error) {
	buf.add(key, bufferedEvent{event: evt, offset: pos.Offset})
	if buf.count(key) > m.gapWindow {
		reason := fmt.Sprintf("version %d still missing after %d buffered events", current.Version+1, buf.count(key))
		return m.fault(ctx, buf, key, current, pos, reason)
	}
	if err := m.store.SaveCheckpoint(ctx, m.checkpoint(buf, pos, "", 0)); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("save checkpoint after buffering: %w", err)
	}
	m.logger.WarnContext(ctx, "event buffered behind a gap",
		"module", "application.materializer",
		"layer", "application",
		"operation", "apply",
		"outcome", "buffered",
		"resource_type", evt.ResourceType,
		"resource_id", evt.ResourceID,
		"current_version", current.Version,
		"event_version", evt.Version,
		"event_type", evt.Type,
		"partition", pos.Partition,
		"offset", pos.Offset,
	)
	return domain.ApplyResult{Status: domain.ApplyBuffered, Version: current.Version}, nil
}

// fault parks every held event of key, halts the resource and reports it.
func (m *Materializer) fault(ctx context.Context, buf *partitionBuffer, key string, current domain.Entry, pos Position, reason string) (domain.ApplyResult, error) {
	held := buf.held(key)
	events, err := encodeHeld(held)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	fault := domain.GapFault{
		ResourceType:    current.ResourceType,
		ResourceID:      current.ResourceID,
		ExpectedVersion: current.Version + 1,
		Reason:          reason,
		Events:          events,
		DetectedAt:      m.nowFn(),
	}
	if err := m.store.ParkFault(ctx, fault, m.checkpoint(buf, pos, key, math.MaxInt64)); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("park fault for %s: %w", key, err)
	}
	buf.drop(key)
	if m.gaps != nil {
		if err := m.gaps.ReportGap(ctx, fault); err != nil {
			m.logger.ErrorContext(ctx, "gap report failed, fault stays parked",
				"module", "application.materializer",
				"layer", "application",
				"operation", "report_gap",
				"outcome", "failure",
				"resource_type", fault.ResourceType,
				"resource_id", fault.ResourceID,
				"error", err,
			)
		}
	}
	return domain.ApplyResult{Status: domain.ApplyHalted, Version: current.Version}, nil
}

// expireLagging parks every resource whose oldest held event is more than
// gapLag offsets behind pos. A held event pins the partition checkpoint.
func (m *Materializer) expireLagging(ctx context.Context, pos Position) error {
	buf := m.buffer(pos.Partition)
	for _, key := range buf.heldBefore(pos.Offset - m.gapLag) {
		held := buf.held(key)
		if len(held) == 0 {
			continue
		}
		oldest := held[0]
		for _, be := range held[1:] {
			if be.offset < oldest.offset {
				oldest = be
			}
		}
		current, err := m.load(ctx, oldest.event.ResourceType, oldest.event.ResourceID)
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("version %d still missing %d offsets after offset %d", current.Version+1, pos.Offset-oldest.offset, oldest.offset)
		if _, err := m.fault(ctx, buf, key, current, pos, reason); err != nil {
			return err
		}
	}
	return nil
}

func (m *Materializer) parkHalted(ctx context.Context, buf *partitionBuffer, evt contracts.Event, pos Position, current domain.Entry) (domain.ApplyResult, error) {
	events, err := encodeHeld([]bufferedEvent{{event: evt, offset: pos.Offset}})
	if err != nil {
		return domain.ApplyResult{}, err
	}
	fault := domain.GapFault{
		ResourceType:    evt.ResourceType,
		ResourceID:      evt.ResourceID,
		ExpectedVersion: current.Version + 1,
		Reason:          "resource halted by an earlier unresolved gap",
		Events:          events,
		DetectedAt:      m.nowFn(),
	}
	if err := m.store.ParkFault(ctx, fault, m.checkpoint(buf, pos, "", 0)); err != nil {
		return domain.ApplyResult{}, fmt.Errorf("park event for halted %s/%s: %w", evt.ResourceType, evt.ResourceID, err)
	}
	m.logger.WarnContext(ctx, "event parked for halted resource",
		"module", "application.materializer",
		"layer", "application",
		"operation", "apply",
		"outcome", "halted",
		"resource_type", evt.ResourceType,
		"resource_id", evt.ResourceID,
		"event_version", evt.Version,
		"partition", pos.Partition,
		"offset", pos.Offset,
	)
	return domain.ApplyResult{Status: domain.ApplyHalted, Version: current.Version}, nil
}

// checkpoint is the offset after pos, held back to the lowest offset still
// buffered so a restart reads held events again. Events of key up to
// version are about to leave the buffer and are ignored.
func (m *Materializer) checkpoint(buf *partitionBuffer, pos Position, key string, version int64) domain.Checkpoint {
	next := pos.Offset + 1
	if lowest, ok := buf.lowestOffset(key, version); ok && lowest < next {
		next = lowest
	}
	return domain.Checkpoint{LogName: m.logName, Partition: pos.Partition, Offset: next}
}

func encodeHeld(held []bufferedEvent) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(held))
	for _, be := range held {
		raw, err := json.Marshal(be.event)
		if err != nil {
			return nil, fmt.Errorf("encode parked event %s: %w", be.event.ID, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// HandleMessage applies one event log record. Corrupt envelopes are logged
// and skipped.
func (m *Materializer) HandleMessage(ctx context.Context, msg ports.LogMessage) error {
	pos := Position{Partition: msg.Partition, Offset: msg.Offset}
	evt, err := contracts.DecodeEvent(msg.Value)
	if err == nil {
		var result domain.ApplyResult
		result, err = m.Apply(ctx, evt, pos)
		if err == nil {
			m.logger.DebugContext(ctx, "event materialized",
				"module", "application.materializer",
				"layer", "application",
				"operation", "apply",
				"outcome", string(result.Status),
				"resource_type", evt.ResourceType,
				"resource_id", evt.ResourceID,
				"version", result.Version,
				"drained", result.Drained,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}
	}
	if !errors.Is(err, contracts.ErrMalformedEnvelope) && !errors.Is(err, domain.ErrCorruptEnvelope) {
		return err
	}
	m.logger.WarnContext(ctx, "skipping corrupt event envelope",
		"module", "application.materializer",
		"layer", "application",
		"operation", "handle_message",
		"outcome", "skipped",
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", msg.Key,
		"error", err,
	)
	if err := m.store.SaveCheckpoint(ctx, m.checkpoint(m.buffer(pos.Partition), pos, "", 0)); err != nil {
		return fmt.Errorf("save checkpoint after corrupt event: %w", err)
	}
	return m.expireLagging(ctx, pos)
}

var _ ports.MessageHandler = (*Materializer)(nil)
