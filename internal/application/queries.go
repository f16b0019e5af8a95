package application

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

// QueryService reads the materialized view. Tombstoned entries are treated
// as absent.
type QueryService struct {
	registry *domain.Registry
	reads    domain.EntryView
}

func NewQueryService(registry *domain.Registry, reads domain.EntryView) *QueryService {
	return &QueryService{registry: registry, reads: reads}
}

func (s *QueryService) Get(ctx context.Context, base, resourceID string) (domain.Entry, error) {
	if _, err := s.registry.ContentType(base); err != nil {
		return domain.Entry{}, err
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return domain.Entry{}, fmt.Errorf("%w: resource id is required", domain.ErrInvalidInput)
	}
	entry, err := s.reads.Get(ctx, base, resourceID)
	if err != nil {
		return domain.Entry{}, err
	}
	if !entry.Live() {
		return domain.Entry{}, domain.ErrNotFound
	}
	return entry, nil
}

// List yields live entries of base in store order.
func (s *QueryService) List(ctx context.Context, base string) (iter.Seq2[domain.Entry, error], error) {
	if _, err := s.registry.ContentType(base); err != nil {
		return nil, err
	}
	return func(yield func(domain.Entry, error) bool) {
		for entry, err := range s.reads.List(ctx, base) {
			if err != nil {
				yield(domain.Entry{}, err)
				return
			}
			if !entry.Live() {
				continue
			}
			if !yield(entry, nil) {
				return
			}
		}
	}, nil
}
