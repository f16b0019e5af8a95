package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

func TestLogRejectionSinkKeysByResource(t *testing.T) {
	t.Parallel()
	log := NewMemoryLog(2)
	sink := NewLogRejectionSink(log)
	ctx := context.Background()

	withResource := contracts.Rejection{ID: "x1", CausedBy: "c1", ResourceID: "r1", Reason: "missing", Code: "NotFound"}
	withoutResource := contracts.Rejection{ID: "x2", CausedBy: "c2", Reason: "bad type", Code: "SchemaInvalid"}
	for _, r := range []contracts.Rejection{withResource, withoutResource} {
		if err := sink.PublishRejection(ctx, r); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	msgs := partitionRecords(log, log.PartitionFor("r1"))
	var found bool
	for _, msg := range msgs {
		if msg.Key != "r1" {
			continue
		}
		var decoded contracts.Rejection
		if err := json.Unmarshal(msg.Value, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		found = decoded == withResource
	}
	if !found {
		t.Fatalf("expected rejection keyed by resource id")
	}
	if len(partitionRecords(log, log.PartitionFor("c2"))) == 0 {
		t.Fatalf("expected rejection without resource keyed by command id")
	}
}

type countingReporter struct{ calls int }

func (r *countingReporter) ReportGap(context.Context, domain.GapFault) error {
	r.calls++
	return nil
}

func TestLoggingGapReporterForwards(t *testing.T) {
	t.Parallel()
	next := &countingReporter{}
	reporter := NewLoggingGapReporter(testLogger(), next)
	if err := reporter.ReportGap(context.Background(), domain.GapFault{ResourceType: "entries", ResourceID: "r1"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected forward to next reporter, got %d calls", next.calls)
	}
	if err := NewLoggingGapReporter(testLogger(), nil).ReportGap(context.Background(), domain.GapFault{}); err != nil {
		t.Fatalf("expected log-only reporter to succeed, got %v", err)
	}
}
