package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

type checkpointKey struct {
	logName   string
	partition int
}

// Store keeps read, outcome and checkpoint state in process memory. Every
// write happens under one lock, so readers see either the state before or
// after an upsert.
type Store struct {
	mu          sync.RWMutex
	entries     map[string]domain.Entry
	checkpoints map[checkpointKey]int64
	outcomes    map[string]domain.Outcome
	heads       map[string]domain.ResourceHead
	halted      map[string]bool
	faults      []domain.GapFault
}

func NewStore() *Store {
	return &Store{
		entries:     map[string]domain.Entry{},
		checkpoints: map[checkpointKey]int64{},
		outcomes:    map[string]domain.Outcome{},
		heads:       map[string]domain.ResourceHead{},
		halted:      map[string]bool{},
	}
}

func (s *Store) Get(_ context.Context, resourceType, resourceID string) (domain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[domain.ResourceKey(resourceType, resourceID)]
	if !ok {
		return domain.Entry{}, domain.ErrNotFound
	}
	return cloneEntry(entry), nil
}

// List yields a snapshot of the resource type ordered by resource id.
func (s *Store) List(_ context.Context, resourceType string) iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		s.mu.RLock()
		snapshot := make([]domain.Entry, 0)
		for _, entry := range s.entries {
			if entry.ResourceType == resourceType {
				snapshot = append(snapshot, cloneEntry(entry))
			}
		}
		s.mu.RUnlock()
		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ResourceID < snapshot[j].ResourceID })
		for _, entry := range snapshot {
			if !yield(entry, nil) {
				return
			}
		}
	}
}

func (s *Store) Checkpoint(_ context.Context, logName string, partition int) (domain.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.Checkpoint{
		LogName:   logName,
		Partition: partition,
		Offset:    s.checkpoints[checkpointKey{logName: logName, partition: partition}],
	}, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp domain.Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey{logName: cp.LogName, partition: cp.Partition}] = cp.Offset
	return nil
}

func (s *Store) Upsert(_ context.Context, entry domain.Entry, cp domain.Checkpoint) error {
	if strings.TrimSpace(entry.ResourceType) == "" || strings.TrimSpace(entry.ResourceID) == "" {
		return fmt.Errorf("%w: entry resource is required", domain.ErrInvalidInput)
	}
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[domain.ResourceKey(entry.ResourceType, entry.ResourceID)] = cloneEntry(entry)
	s.checkpoints[checkpointKey{logName: cp.LogName, partition: cp.Partition}] = cp.Offset
	return nil
}

func (s *Store) ParkFault(_ context.Context, fault domain.GapFault, cp domain.Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fault.Events = append([]json.RawMessage(nil), fault.Events...)
	s.faults = append(s.faults, fault)
	s.halted[domain.ResourceKey(fault.ResourceType, fault.ResourceID)] = true
	s.checkpoints[checkpointKey{logName: cp.LogName, partition: cp.Partition}] = cp.Offset
	return nil
}

func (s *Store) Halted(_ context.Context, resourceType, resourceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted[domain.ResourceKey(resourceType, resourceID)], nil
}

func (s *Store) Faults(context.Context) ([]domain.GapFault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.GapFault(nil), s.faults...), nil
}

func (s *Store) Outcome(_ context.Context, outcomeID string) (domain.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outcomes[outcomeID]
	if !ok {
		return domain.Outcome{}, domain.ErrNotFound
	}
	o.Payload = append([]byte(nil), o.Payload...)
	return o, nil
}

func (s *Store) RecordOutcome(_ context.Context, outcome domain.Outcome, head *domain.ResourceHead) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return fmt.Errorf("%w: outcome id is required", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[outcome.ID]; exists {
		return fmt.Errorf("%w: outcome %s already recorded", domain.ErrConflict, outcome.ID)
	}
	outcome.Payload = append([]byte(nil), outcome.Payload...)
	s.outcomes[outcome.ID] = outcome
	if head != nil {
		s.heads[domain.ResourceKey(head.ResourceType, head.ResourceID)] = *head
	}
	return nil
}

func (s *Store) MarkPublished(_ context.Context, outcomeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[outcomeID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Published = true
	s.outcomes[outcomeID] = o
	return nil
}

func (s *Store) Head(_ context.Context, resourceType, resourceID string) (domain.ResourceHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.heads[domain.ResourceKey(resourceType, resourceID)]
	if !ok {
		return domain.ResourceHead{}, domain.ErrNotFound
	}
	return head, nil
}

func (s *Store) Close() error {
	return nil
}

func cloneEntry(entry domain.Entry) domain.Entry {
	entry.State = domain.CloneState(entry.State)
	return entry
}

func validateCheckpoint(cp domain.Checkpoint) error {
	if strings.TrimSpace(cp.LogName) == "" || cp.Partition < 0 || cp.Offset < 0 {
		return fmt.Errorf("%w: invalid checkpoint %+v", domain.ErrInvalidInput, cp)
	}
	return nil
}

var _ ports.Store = (*Store)(nil)
