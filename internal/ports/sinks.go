package ports

import (
	"context"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

type RejectionSink interface {
	PublishRejection(ctx context.Context, rejection contracts.Rejection) error
}

// GapReporter is the operator-visible channel for unresolved gaps.
type GapReporter interface {
	ReportGap(ctx context.Context, fault domain.GapFault) error
}
