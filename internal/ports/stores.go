package ports

import (
	"context"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

type CheckpointStore interface {
	// Checkpoint returns offset 0 when nothing was saved yet.
	Checkpoint(ctx context.Context, logName string, partition int) (domain.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

type ReadStore interface {
	domain.EntryView
	CheckpointStore
	// Upsert writes the entry and the checkpoint as one atomic unit.
	Upsert(ctx context.Context, entry domain.Entry, cp domain.Checkpoint) error
	// ParkFault stores an unresolved gap, halts the resource and saves the
	// checkpoint as one atomic unit.
	ParkFault(ctx context.Context, fault domain.GapFault, cp domain.Checkpoint) error
	Halted(ctx context.Context, resourceType, resourceID string) (bool, error)
	Faults(ctx context.Context) ([]domain.GapFault, error)
}

type OutcomeStore interface {
	Outcome(ctx context.Context, outcomeID string) (domain.Outcome, error)
	// RecordOutcome stores the outcome and, when head is not nil, the new
	// resource head in one atomic unit.
	RecordOutcome(ctx context.Context, outcome domain.Outcome, head *domain.ResourceHead) error
	MarkPublished(ctx context.Context, outcomeID string) error
	Head(ctx context.Context, resourceType, resourceID string) (domain.ResourceHead, error)
}

type Store interface {
	ReadStore
	OutcomeStore
	Close() error
}
