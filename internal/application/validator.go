package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

const (
	CommandLogName = "commands"
	EventLogName   = "events"
)

type ValidatorDependencies struct {
	Logger      *slog.Logger
	Registry    *domain.Registry
	Reads       domain.EntryView
	Outcomes    ports.OutcomeStore
	Checkpoints ports.CheckpointStore
	Events      ports.LogAppender
	Rejections  ports.RejectionSink
	LogName     string
}

// Validator turns each command into exactly one event or rejection. The
// decision is recorded before it is published, and the command offset is
// committed only after publication was acknowledged.
type Validator struct {
	logger      *slog.Logger
	registry    *domain.Registry
	reads       domain.EntryView
	outcomes    ports.OutcomeStore
	checkpoints ports.CheckpointStore
	events      ports.LogAppender
	rejections  ports.RejectionSink
	logName     string
	nowFn       func() time.Time
}

func NewValidator(deps ValidatorDependencies) *Validator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logName := deps.LogName
	if logName == "" {
		logName = CommandLogName
	}
	return &Validator{
		logger:      logger,
		registry:    deps.Registry,
		reads:       deps.Reads,
		outcomes:    deps.Outcomes,
		checkpoints: deps.Checkpoints,
		events:      deps.Events,
		rejections:  deps.Rejections,
		logName:     logName,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate returns the outcome for cmd. A command id that was already decided
// yields the recorded outcome unchanged. Returned errors are infrastructure
// failures only; domain failures become rejections.
func (v *Validator) Validate(ctx context.Context, cmd contracts.Command) (domain.Outcome, error) {
	outcomeID := domain.OutcomeID(cmd.ID)
	prior, err := v.outcomes.Outcome(ctx, outcomeID)
	switch {
	case err == nil:
		return v.resume(ctx, prior)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Outcome{}, fmt.Errorf("load outcome %s: %w", outcomeID, err)
	}

	outcome, head, err := v.decide(ctx, cmd)
	if err != nil {
		return domain.Outcome{}, err
	}
	if err := v.outcomes.RecordOutcome(ctx, outcome, head); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			prior, loadErr := v.outcomes.Outcome(ctx, outcomeID)
			if loadErr != nil {
				return domain.Outcome{}, fmt.Errorf("reload outcome %s: %w", outcomeID, loadErr)
			}
			return v.resume(ctx, prior)
		}
		return domain.Outcome{}, fmt.Errorf("record outcome %s: %w", outcomeID, err)
	}
	if err := v.publish(ctx, outcome); err != nil {
		return domain.Outcome{}, err
	}
	outcome.Published = true
	return outcome, nil
}

// resume finishes an outcome recorded by an earlier delivery. Nothing is
// decided again; an unpublished outcome is published as recorded.
func (v *Validator) resume(ctx context.Context, prior domain.Outcome) (domain.Outcome, error) {
	if prior.Published {
		return prior, nil
	}
	if err := v.publish(ctx, prior); err != nil {
		return domain.Outcome{}, err
	}
	prior.Published = true
	return prior, nil
}

func (v *Validator) publish(ctx context.Context, outcome domain.Outcome) error {
	switch outcome.Kind {
	case domain.OutcomeEvent:
		if err := v.events.Append(ctx, outcome.ResourceID, outcome.Payload); err != nil {
			return fmt.Errorf("%w: append event %s: %v", domain.ErrDependencyUnavailable, outcome.ID, err)
		}
	case domain.OutcomeRejection:
		var rejection contracts.Rejection
		if err := json.Unmarshal(outcome.Payload, &rejection); err != nil {
			return fmt.Errorf("decode recorded rejection %s: %w", outcome.ID, err)
		}
		if err := v.rejections.PublishRejection(ctx, rejection); err != nil {
			return fmt.Errorf("%w: publish rejection %s: %v", domain.ErrDependencyUnavailable, outcome.ID, err)
		}
	default:
		return fmt.Errorf("outcome %s has unknown kind %q", outcome.ID, outcome.Kind)
	}
	if err := v.outcomes.MarkPublished(ctx, outcome.ID); err != nil {
		return fmt.Errorf("mark outcome %s published: %w", outcome.ID, err)
	}
	return nil
}

func (v *Validator) decide(ctx context.Context, cmd contracts.Command) (domain.Outcome, *domain.ResourceHead, error) {
	verb, ct, err := v.registry.ResolveCommand(cmd.Type)
	if err != nil {
		return v.reject(cmd, "", strings.TrimSpace(cmd.ResourceID), err)
	}
	resourceID := strings.TrimSpace(cmd.ResourceID)
	if resourceID == "" {
		if verb != domain.VerbCreate {
			return v.reject(cmd, ct.Base, "", fmt.Errorf("%w: resourceId is required for %s", domain.ErrSchemaInvalid, verb))
		}
		resourceID = strings.TrimSpace(cmd.ID)
	}
	body := cmd.Body
	if body == nil {
		body = map[string]any{}
	}
	if verb != domain.VerbDelete {
		if err := v.registry.ValidateBody(ct.Base, body); err != nil {
			return v.reject(cmd, ct.Base, resourceID, err)
		}
	}

	current, err := v.currentState(ctx, ct.Base, resourceID)
	if err != nil {
		return domain.Outcome{}, nil, err
	}
	if !domain.CanTransition(current, verb) {
		if verb == domain.VerbCreate {
			err = fmt.Errorf("%w: %s/%s already exists", domain.ErrConflict, ct.Base, resourceID)
		} else {
			err = fmt.Errorf("%w: %s/%s", domain.ErrNotFound, ct.Base, resourceID)
		}
		return v.reject(cmd, ct.Base, resourceID, err)
	}

	handler, err := v.registry.HandlerFor(ct.Base)
	if err != nil {
		return v.reject(cmd, ct.Base, resourceID, err)
	}
	m := domain.Mutation{Verb: verb, ResourceType: ct.Base, ResourceID: resourceID, Body: body, User: cmd.Meta.User}
	switch verb {
	case domain.VerbCreate:
		err = handler.Rules.ValidateCreate(ctx, v.reads, m)
	case domain.VerbUpdate:
		err = handler.Rules.ValidateUpdate(ctx, v.reads, m, current)
	case domain.VerbDelete:
		err = handler.Rules.ValidateDelete(ctx, v.reads, m, current)
	}
	if err != nil {
		if _, expected := domain.RejectionCodeFor(err); expected {
			return v.reject(cmd, ct.Base, resourceID, err)
		}
		return domain.Outcome{}, nil, fmt.Errorf("run %s rules for %s: %w", verb, ct.Base, err)
	}

	occurredAt := cmd.Meta.Timestamp.UTC()
	if cmd.Meta.Timestamp.IsZero() {
		occurredAt = v.nowFn()
	}
	event := contracts.Event{
		ID:           domain.OutcomeID(cmd.ID),
		Type:         domain.EventType(ct.Name, verb),
		ResourceID:   resourceID,
		ResourceType: ct.Base,
		Body:         body,
		Version:      current.Version + 1,
		CausedBy:     cmd.ID,
		OccurredAt:   occurredAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return domain.Outcome{}, nil, fmt.Errorf("encode event for command %s: %w", cmd.ID, err)
	}
	head := &domain.ResourceHead{
		ResourceType: ct.Base,
		ResourceID:   resourceID,
		Version:      event.Version,
		Deleted:      verb == domain.VerbDelete,
	}
	return domain.Outcome{
		ID:           event.ID,
		CommandID:    cmd.ID,
		Kind:         domain.OutcomeEvent,
		ResourceType: ct.Base,
		ResourceID:   resourceID,
		Version:      event.Version,
		Payload:      payload,
		RecordedAt:   v.nowFn(),
	}, head, nil
}

func (v *Validator) reject(cmd contracts.Command, resourceType, resourceID string, cause error) (domain.Outcome, *domain.ResourceHead, error) {
	code, ok := domain.RejectionCodeFor(cause)
	if !ok {
		return domain.Outcome{}, nil, cause
	}
	rejection := contracts.Rejection{
		ID:           domain.OutcomeID(cmd.ID),
		CausedBy:     cmd.ID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Reason:       cause.Error(),
		Code:         string(code),
	}
	payload, err := json.Marshal(rejection)
	if err != nil {
		return domain.Outcome{}, nil, fmt.Errorf("encode rejection for command %s: %w", cmd.ID, err)
	}
	return domain.Outcome{
		ID:           rejection.ID,
		CommandID:    cmd.ID,
		Kind:         domain.OutcomeRejection,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Code:         code,
		Payload:      payload,
		RecordedAt:   v.nowFn(),
	}, nil, nil
}

// currentState merges the read store entry with the validator head. The head
// is ahead of the read store while the materializer lags; state then comes
// from the last materialized entry.
func (v *Validator) currentState(ctx context.Context, resourceType, resourceID string) (domain.Entry, error) {
	entry, err := v.reads.Get(ctx, resourceType, resourceID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		entry = domain.Entry{ResourceType: resourceType, ResourceID: resourceID, State: map[string]any{}}
	case err != nil:
		return domain.Entry{}, fmt.Errorf("load %s/%s: %w", resourceType, resourceID, err)
	}
	head, err := v.outcomes.Head(ctx, resourceType, resourceID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return entry, nil
	case err != nil:
		return domain.Entry{}, fmt.Errorf("load head %s/%s: %w", resourceType, resourceID, err)
	}
	if head.Version > entry.Version {
		entry.Version = head.Version
		entry.Deleted = head.Deleted
	}
	return entry, nil
}

// HandleMessage validates one command log record and commits its offset.
// Corrupt envelopes are logged and skipped.
func (v *Validator) HandleMessage(ctx context.Context, msg ports.LogMessage) error {
	cmd, err := contracts.DecodeCommand(msg.Value)
	if err != nil {
		v.logger.WarnContext(ctx, "skipping corrupt command envelope",
			"module", "application.validator",
			"layer", "application",
			"operation", "handle_message",
			"outcome", "skipped",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", msg.Key,
			"error", err,
		)
		return v.commit(ctx, msg)
	}
	outcome, err := v.Validate(ctx, cmd)
	if err != nil {
		return err
	}
	v.logger.InfoContext(ctx, "command validated",
		"module", "application.validator",
		"layer", "application",
		"operation", "validate",
		"outcome", string(outcome.Kind),
		"command_id", cmd.ID,
		"command_type", cmd.Type,
		"resource_id", outcome.ResourceID,
		"version", outcome.Version,
		"code", string(outcome.Code),
		"partition", msg.Partition,
		"offset", msg.Offset,
	)
	return v.commit(ctx, msg)
}

func (v *Validator) commit(ctx context.Context, msg ports.LogMessage) error {
	cp := domain.Checkpoint{LogName: v.logName, Partition: msg.Partition, Offset: msg.Offset + 1}
	if err := v.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save %s checkpoint %d/%d: %w", v.logName, cp.Partition, cp.Offset, err)
	}
	return nil
}

var _ ports.MessageHandler = (*Validator)(nil)
