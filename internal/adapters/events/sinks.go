package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

type LoggingRejectionSink struct {
	logger *slog.Logger
}

func NewLoggingRejectionSink(logger *slog.Logger) *LoggingRejectionSink {
	return &LoggingRejectionSink{logger: logger}
}

func (s *LoggingRejectionSink) PublishRejection(ctx context.Context, rejection contracts.Rejection) error {
	s.logger.InfoContext(ctx, "command rejected",
		"module", "events.rejection_sink",
		"layer", "adapter",
		"operation", "publish_rejection",
		"outcome", "success",
		"rejection_id", rejection.ID,
		"command_id", rejection.CausedBy,
		"resource_type", rejection.ResourceType,
		"resource_id", rejection.ResourceID,
		"code", rejection.Code,
		"reason", rejection.Reason,
	)
	return nil
}

// LogRejectionSink appends rejections to a partitioned log, keyed by the
// resource id when there is one and by the command id otherwise.
type LogRejectionSink struct {
	log ports.LogAppender
}

func NewLogRejectionSink(log ports.LogAppender) *LogRejectionSink {
	return &LogRejectionSink{log: log}
}

func (s *LogRejectionSink) PublishRejection(ctx context.Context, rejection contracts.Rejection) error {
	payload, err := json.Marshal(rejection)
	if err != nil {
		return fmt.Errorf("encode rejection: %w", err)
	}
	key := rejection.ResourceID
	if key == "" {
		key = rejection.CausedBy
	}
	if err := s.log.Append(ctx, key, payload); err != nil {
		return fmt.Errorf("%w: append rejection: %v", domain.ErrDependencyUnavailable, err)
	}
	return nil
}

// LoggingGapReporter always logs the fault and then forwards it to next,
// when one is configured.
type LoggingGapReporter struct {
	logger *slog.Logger
	next   ports.GapReporter
}

func NewLoggingGapReporter(logger *slog.Logger, next ports.GapReporter) *LoggingGapReporter {
	return &LoggingGapReporter{logger: logger, next: next}
}

func (r *LoggingGapReporter) ReportGap(ctx context.Context, fault domain.GapFault) error {
	r.logger.ErrorContext(ctx, "unresolved gap, resource halted",
		"module", "events.gap_reporter",
		"layer", "adapter",
		"operation", "report_gap",
		"outcome", "halted",
		"resource_type", fault.ResourceType,
		"resource_id", fault.ResourceID,
		"expected_version", fault.ExpectedVersion,
		"parked_events", len(fault.Events),
		"reason", fault.Reason,
	)
	if r.next == nil {
		return nil
	}
	return r.next.ReportGap(ctx, fault)
}

var (
	_ ports.RejectionSink = (*LoggingRejectionSink)(nil)
	_ ports.RejectionSink = (*LogRejectionSink)(nil)
	_ ports.GapReporter   = (*LoggingGapReporter)(nil)
)
