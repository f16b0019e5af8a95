package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

const (
	DefaultRejectionStream = "pipeline:rejections"
	DefaultGapStream       = "pipeline:gaps"
	defaultStreamMaxLen    = 10000
)

// RedisStream appends rejections and gap reports to capped Redis streams so
// operators can tail them with XREAD.
type RedisStream struct {
	client          redis.Cmdable
	rejectionStream string
	gapStream       string
	maxLen          int64
}

func NewRedisStream(client redis.Cmdable, rejectionStream, gapStream string, maxLen int64) *RedisStream {
	if strings.TrimSpace(rejectionStream) == "" {
		rejectionStream = DefaultRejectionStream
	}
	if strings.TrimSpace(gapStream) == "" {
		gapStream = DefaultGapStream
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStream{client: client, rejectionStream: rejectionStream, gapStream: gapStream, maxLen: maxLen}
}

func (s *RedisStream) PublishRejection(ctx context.Context, rejection contracts.Rejection) error {
	values, err := rejectionValues(rejection)
	if err != nil {
		return err
	}
	return s.add(ctx, s.rejectionStream, values)
}

func (s *RedisStream) ReportGap(ctx context.Context, fault domain.GapFault) error {
	values, err := gapValues(fault)
	if err != nil {
		return err
	}
	return s.add(ctx, s.gapStream, values)
}

func (s *RedisStream) add(ctx context.Context, stream string, values map[string]any) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", domain.ErrDependencyUnavailable, stream, err)
	}
	return nil
}

func rejectionValues(rejection contracts.Rejection) (map[string]any, error) {
	payload, err := json.Marshal(rejection)
	if err != nil {
		return nil, fmt.Errorf("encode rejection: %w", err)
	}
	return map[string]any{
		"id":            rejection.ID,
		"caused_by":     rejection.CausedBy,
		"code":          rejection.Code,
		"resource_type": rejection.ResourceType,
		"resource_id":   rejection.ResourceID,
		"payload":       string(payload),
	}, nil
}

func gapValues(fault domain.GapFault) (map[string]any, error) {
	events := fault.Events
	if events == nil {
		events = []json.RawMessage{}
	}
	payload, err := json.Marshal(contracts.GapReport{
		ResourceType:    fault.ResourceType,
		ResourceID:      fault.ResourceID,
		ExpectedVersion: fault.ExpectedVersion,
		Reason:          fault.Reason,
		Events:          events,
		DetectedAt:      fault.DetectedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode gap report: %w", err)
	}
	return map[string]any{
		"resource_type":    fault.ResourceType,
		"resource_id":      fault.ResourceID,
		"expected_version": fault.ExpectedVersion,
		"payload":          string(payload),
	}, nil
}

var (
	_ ports.RejectionSink = (*RedisStream)(nil)
	_ ports.GapReporter   = (*RedisStream)(nil)
)
