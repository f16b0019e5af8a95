package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPageSize = 200

type Store struct {
	db       *gorm.DB
	pageSize int
}

// Open connects, migrates and returns a store.
func Open(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	db, err := Connect(ctx, databaseURL, maxConns)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, db); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return NewStore(db), nil
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, pageSize: defaultPageSize}
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, resourceType, resourceID string) (domain.Entry, error) {
	var row readEntryModel
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Entry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Entry{}, unavailable("get entry", err)
	}
	return toEntry(row)
}

func (s *Store) List(ctx context.Context, resourceType string) iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		after := ""
		for {
			var rows []readEntryModel
			err := s.db.WithContext(ctx).
				Where("resource_type = ? AND resource_id > ?", resourceType, after).
				Order("resource_id asc").
				Limit(s.pageSize).
				Find(&rows).Error
			if err != nil {
				yield(domain.Entry{}, unavailable("list entries", err))
				return
			}
			for _, row := range rows {
				entry, err := toEntry(row)
				if !yield(entry, err) || err != nil {
					return
				}
			}
			if len(rows) < s.pageSize {
				return
			}
			after = rows[len(rows)-1].ResourceID
		}
	}
}

func (s *Store) Checkpoint(ctx context.Context, logName string, partition int) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{LogName: logName, Partition: partition}
	var row checkpointModel
	err := s.db.WithContext(ctx).
		Where("log_name = ? AND partition_id = ?", logName, partition).
		First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return cp, nil
	case err != nil:
		return domain.Checkpoint{}, unavailable("load checkpoint", err)
	}
	cp.Offset = row.NextOffset
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	if err := saveCheckpoint(s.db.WithContext(ctx), cp); err != nil {
		return unavailable("save checkpoint", err)
	}
	return nil
}

func saveCheckpoint(tx *gorm.DB, cp domain.Checkpoint) error {
	row := checkpointModel{LogName: cp.LogName, PartitionID: cp.Partition, NextOffset: cp.Offset, UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "log_name"}, {Name: "partition_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_offset", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) Upsert(ctx context.Context, entry domain.Entry, cp domain.Checkpoint) error {
	if strings.TrimSpace(entry.ResourceType) == "" || strings.TrimSpace(entry.ResourceID) == "" {
		return fmt.Errorf("%w: entry resource is required", domain.ErrInvalidInput)
	}
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	row, err := fromEntry(entry)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "state", "deleted", "updated_at"}),
		}).Create(&row).Error; err != nil {
			return err
		}
		return saveCheckpoint(tx, cp)
	})
	if err != nil {
		return unavailable("upsert entry", err)
	}
	return nil
}

func (s *Store) ParkFault(ctx context.Context, fault domain.GapFault, cp domain.Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	events := fault.Events
	if events == nil {
		events = []json.RawMessage{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode parked events: %w", err)
	}
	detectedAt := fault.DetectedAt.UTC()
	if fault.DetectedAt.IsZero() {
		detectedAt = time.Now().UTC()
	}
	row := gapFaultModel{
		ResourceType:    fault.ResourceType,
		ResourceID:      fault.ResourceID,
		ExpectedVersion: fault.ExpectedVersion,
		Reason:          fault.Reason,
		Events:          string(raw),
		DetectedAt:      detectedAt,
	}
	halted := haltedModel{ResourceType: fault.ResourceType, ResourceID: fault.ResourceID, HaltedAt: detectedAt}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&halted).Error; err != nil {
			return err
		}
		return saveCheckpoint(tx, cp)
	})
	if err != nil {
		return unavailable("park fault", err)
	}
	return nil
}

func (s *Store) Halted(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&haltedModel{}).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Count(&count).Error
	if err != nil {
		return false, unavailable("check halted", err)
	}
	return count > 0, nil
}

func (s *Store) Faults(ctx context.Context) ([]domain.GapFault, error) {
	var rows []gapFaultModel
	if err := s.db.WithContext(ctx).Order("fault_id asc").Find(&rows).Error; err != nil {
		return nil, unavailable("list faults", err)
	}
	out := make([]domain.GapFault, 0, len(rows))
	for _, row := range rows {
		fault := domain.GapFault{
			ResourceType:    row.ResourceType,
			ResourceID:      row.ResourceID,
			ExpectedVersion: row.ExpectedVersion,
			Reason:          row.Reason,
			DetectedAt:      row.DetectedAt.UTC(),
		}
		if err := json.Unmarshal([]byte(row.Events), &fault.Events); err != nil {
			return nil, fmt.Errorf("decode parked events: %w", err)
		}
		out = append(out, fault)
	}
	return out, nil
}

func (s *Store) Outcome(ctx context.Context, outcomeID string) (domain.Outcome, error) {
	var row outcomeModel
	err := s.db.WithContext(ctx).Where("outcome_id = ?", outcomeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Outcome{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Outcome{}, unavailable("load outcome", err)
	}
	return domain.Outcome{
		ID:           row.OutcomeID,
		CommandID:    row.CommandID,
		Kind:         domain.OutcomeKind(row.Kind),
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Version:      row.Version,
		Code:         domain.RejectionCode(row.Code),
		Payload:      row.Payload,
		Published:    row.Published,
		RecordedAt:   row.RecordedAt.UTC(),
	}, nil
}

func (s *Store) RecordOutcome(ctx context.Context, outcome domain.Outcome, head *domain.ResourceHead) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return fmt.Errorf("%w: outcome id is required", domain.ErrInvalidInput)
	}
	recordedAt := outcome.RecordedAt.UTC()
	if outcome.RecordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	row := outcomeModel{
		OutcomeID:    outcome.ID,
		CommandID:    outcome.CommandID,
		Kind:         string(outcome.Kind),
		ResourceType: outcome.ResourceType,
		ResourceID:   outcome.ResourceID,
		Version:      outcome.Version,
		Code:         string(outcome.Code),
		Payload:      outcome.Payload,
		Published:    outcome.Published,
		RecordedAt:   recordedAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if head == nil {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "resource_type"}, {Name: "resource_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"version", "deleted"}),
		}).Create(&headModel{
			ResourceType: head.ResourceType,
			ResourceID:   head.ResourceID,
			Version:      head.Version,
			Deleted:      head.Deleted,
		}).Error
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return fmt.Errorf("%w: outcome %s already recorded", domain.ErrConflict, outcome.ID)
	default:
		return unavailable("record outcome", err)
	}
}

func (s *Store) MarkPublished(ctx context.Context, outcomeID string) error {
	res := s.db.WithContext(ctx).Model(&outcomeModel{}).
		Where("outcome_id = ?", outcomeID).
		Update("published", true)
	if res.Error != nil {
		return unavailable("mark published", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) Head(ctx context.Context, resourceType, resourceID string) (domain.ResourceHead, error) {
	var row headModel
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ResourceHead{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ResourceHead{}, unavailable("load head", err)
	}
	return domain.ResourceHead{
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Version:      row.Version,
		Deleted:      row.Deleted,
	}, nil
}

var _ ports.Store = (*Store)(nil)
