package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

func TestRejectionValuesCarryPayload(t *testing.T) {
	rejection := contracts.Rejection{ID: "o1", CausedBy: "c1", ResourceType: "entries", ResourceID: "r1", Reason: "missing title", Code: "SchemaInvalid"}
	values, err := rejectionValues(rejection)
	if err != nil {
		t.Fatalf("rejection values: %v", err)
	}
	if values["code"] != "SchemaInvalid" || values["caused_by"] != "c1" {
		t.Fatalf("unexpected values %+v", values)
	}
	var decoded contracts.Rejection
	if err := json.Unmarshal([]byte(values["payload"].(string)), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded != rejection {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestGapValuesEncodeReport(t *testing.T) {
	fault := domain.GapFault{
		ResourceType:    "entries",
		ResourceID:      "r1",
		ExpectedVersion: 2,
		Reason:          "gap",
		DetectedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	values, err := gapValues(fault)
	if err != nil {
		t.Fatalf("gap values: %v", err)
	}
	var report contracts.GapReport
	if err := json.Unmarshal([]byte(values["payload"].(string)), &report); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if report.ExpectedVersion != 2 || report.Events == nil || !report.DetectedAt.Equal(fault.DetectedAt) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestNewRedisStreamDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	stream := NewRedisStream(client, " ", "", 0)
	if stream.rejectionStream != DefaultRejectionStream || stream.gapStream != DefaultGapStream || stream.maxLen != defaultStreamMaxLen {
		t.Fatalf("unexpected defaults %+v", stream)
	}
}

func TestPublishWrapsUnavailableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer client.Close()
	stream := NewRedisStream(client, "", "", 0)
	err := stream.PublishRejection(context.Background(), contracts.Rejection{ID: "o1", CausedBy: "c1"})
	if !errors.Is(err, domain.ErrDependencyUnavailable) {
		t.Fatalf("expected dependency unavailable, got %v", err)
	}
}
