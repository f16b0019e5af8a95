// Package sqlite provides the SQLite-backed read, outcome and checkpoint store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/adapters/sqlite/migrations"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const defaultPageSize = 200

// Store persists pipeline state in one SQLite database. Writes that must be
// atomic share one transaction.
type Store struct {
	sqlDB    *sql.DB
	pageSize int
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, pageSize: defaultPageSize}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, err)
}

func (s *Store) Get(ctx context.Context, resourceType, resourceID string) (domain.Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT resource_type, resource_id, version, state, deleted
		   FROM read_entries
		  WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Entry{}, unavailable("get entry", err)
	}
	return entry, nil
}

// List pages through entries of resourceType ordered by resource id. Each
// page is a separate query, so iteration never holds a read transaction open.
func (s *Store) List(ctx context.Context, resourceType string) iter.Seq2[domain.Entry, error] {
	return func(yield func(domain.Entry, error) bool) {
		after := ""
		for {
			page, err := s.listPage(ctx, resourceType, after)
			if err != nil {
				yield(domain.Entry{}, err)
				return
			}
			for _, entry := range page {
				if !yield(entry, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].ResourceID
		}
	}
}

func (s *Store) listPage(ctx context.Context, resourceType, after string) ([]domain.Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT resource_type, resource_id, version, state, deleted
		   FROM read_entries
		  WHERE resource_type = ? AND resource_id > ?
		  ORDER BY resource_id
		  LIMIT ?`,
		resourceType, after, s.pageSize,
	)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer rows.Close()
	page := make([]domain.Entry, 0, s.pageSize)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, unavailable("scan entry", err)
		}
		page = append(page, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entries", err)
	}
	return page, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (domain.Entry, error) {
	var (
		entry   domain.Entry
		state   string
		deleted int
	)
	if err := row.Scan(&entry.ResourceType, &entry.ResourceID, &entry.Version, &state, &deleted); err != nil {
		return domain.Entry{}, err
	}
	entry.State = map[string]any{}
	if err := json.Unmarshal([]byte(state), &entry.State); err != nil {
		return domain.Entry{}, fmt.Errorf("decode state of %s/%s: %w", entry.ResourceType, entry.ResourceID, err)
	}
	entry.Deleted = deleted != 0
	return entry, nil
}

func (s *Store) Checkpoint(ctx context.Context, logName string, partition int) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{LogName: logName, Partition: partition}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT next_offset FROM log_checkpoints WHERE log_name = ? AND partition_id = ?`,
		logName, partition,
	).Scan(&cp.Offset)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Checkpoint{}, unavailable("load checkpoint", err)
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	return s.inTx(ctx, "save checkpoint", func(tx *sql.Tx) error {
		return saveCheckpoint(ctx, tx, cp)
	})
}

func saveCheckpoint(ctx context.Context, tx *sql.Tx, cp domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO log_checkpoints (log_name, partition_id, next_offset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (log_name, partition_id) DO UPDATE SET
		   next_offset = excluded.next_offset,
		   updated_at = excluded.updated_at`,
		cp.LogName, cp.Partition, cp.Offset, toMillis(time.Now()),
	)
	return err
}

func (s *Store) Upsert(ctx context.Context, entry domain.Entry, cp domain.Checkpoint) error {
	if strings.TrimSpace(entry.ResourceType) == "" || strings.TrimSpace(entry.ResourceID) == "" {
		return fmt.Errorf("%w: entry resource is required", domain.ErrInvalidInput)
	}
	if err := validateCheckpoint(cp); err != nil {
		return err
	}
	state := entry.State
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state of %s/%s: %w", entry.ResourceType, entry.ResourceID, err)
	}
	return s.inTx(ctx, "upsert entry", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO read_entries (resource_type, resource_id, version, state, deleted, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (resource_type, resource_id) DO UPDATE SET
			   version = excluded.version,
			   state = excluded.state,
			   deleted = excluded.deleted,
			   updated_at = excluded.updated_at`,
			entry.ResourceType, entry.ResourceID, entry.Version, string(raw), boolInt(entry.Deleted), toMillis(time.Now()),
		); err != nil {
			return err
		}
		return saveCheckpoint(ctx, tx, cp)
	})
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
	detectedAt := fault.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	return s.inTx(ctx, "park fault", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO gap_faults (resource_type, resource_id, expected_version, reason, events, detected_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			fault.ResourceType, fault.ResourceID, fault.ExpectedVersion, fault.Reason, string(raw), toMillis(detectedAt),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO halted_resources (resource_type, resource_id, halted_at) VALUES (?, ?, ?)`,
			fault.ResourceType, fault.ResourceID, toMillis(detectedAt),
		); err != nil {
			return err
		}
		return saveCheckpoint(ctx, tx, cp)
	})
}

func (s *Store) Halted(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT 1 FROM halted_resources WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&found)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, unavailable("check halted", err)
	}
	return true, nil
}

func (s *Store) Faults(ctx context.Context) ([]domain.GapFault, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT resource_type, resource_id, expected_version, reason, events, detected_at
		   FROM gap_faults ORDER BY fault_id`,
	)
	if err != nil {
		return nil, unavailable("list faults", err)
	}
	defer rows.Close()
	var out []domain.GapFault
	for rows.Next() {
		var (
			fault      domain.GapFault
			events     string
			detectedAt int64
		)
		if err := rows.Scan(&fault.ResourceType, &fault.ResourceID, &fault.ExpectedVersion, &fault.Reason, &events, &detectedAt); err != nil {
			return nil, unavailable("scan fault", err)
		}
		if err := json.Unmarshal([]byte(events), &fault.Events); err != nil {
			return nil, fmt.Errorf("decode parked events: %w", err)
		}
		fault.DetectedAt = fromMillis(detectedAt)
		out = append(out, fault)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list faults", err)
	}
	return out, nil
}

func (s *Store) Outcome(ctx context.Context, outcomeID string) (domain.Outcome, error) {
	var (
		o          domain.Outcome
		kind, code string
		published  int
		recordedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT outcome_id, command_id, kind, resource_type, resource_id, version, code, payload, published, recorded_at
		   FROM validator_outcomes WHERE outcome_id = ?`,
		outcomeID,
	).Scan(&o.ID, &o.CommandID, &kind, &o.ResourceType, &o.ResourceID, &o.Version, &code, &o.Payload, &published, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Outcome{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Outcome{}, unavailable("load outcome", err)
	}
	o.Kind = domain.OutcomeKind(kind)
	o.Code = domain.RejectionCode(code)
	o.Published = published != 0
	o.RecordedAt = fromMillis(recordedAt)
	return o, nil
}

func (s *Store) RecordOutcome(ctx context.Context, outcome domain.Outcome, head *domain.ResourceHead) error {
	if strings.TrimSpace(outcome.ID) == "" {
		return fmt.Errorf("%w: outcome id is required", domain.ErrInvalidInput)
	}
	recordedAt := outcome.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("record outcome", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO validator_outcomes
		   (outcome_id, command_id, kind, resource_type, resource_id, version, code, payload, published, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.ID, outcome.CommandID, string(outcome.Kind), outcome.ResourceType, outcome.ResourceID,
		outcome.Version, string(outcome.Code), outcome.Payload, boolInt(outcome.Published), toMillis(recordedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: outcome %s already recorded", domain.ErrConflict, outcome.ID)
		}
		return unavailable("record outcome", err)
	}
	if head != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validator_heads (resource_type, resource_id, version, deleted)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT (resource_type, resource_id) DO UPDATE SET
			   version = excluded.version,
			   deleted = excluded.deleted`,
			head.ResourceType, head.ResourceID, head.Version, boolInt(head.Deleted),
		); err != nil {
			return unavailable("record head", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit outcome", err)
	}
	return nil
}

func (s *Store) MarkPublished(ctx context.Context, outcomeID string) error {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE validator_outcomes SET published = 1 WHERE outcome_id = ?`, outcomeID)
	if err != nil {
		return unavailable("mark published", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) Head(ctx context.Context, resourceType, resourceID string) (domain.ResourceHead, error) {
	head := domain.ResourceHead{ResourceType: resourceType, ResourceID: resourceID}
	var deleted int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT version, deleted FROM validator_heads WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&head.Version, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ResourceHead{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ResourceHead{}, unavailable("load head", err)
	}
	head.Deleted = deleted != 0
	return head, nil
}

func (s *Store) inTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(operation, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return unavailable(operation, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(operation, err)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func validateCheckpoint(cp domain.Checkpoint) error {
	if strings.TrimSpace(cp.LogName) == "" || cp.Partition < 0 || cp.Offset < 0 {
		return fmt.Errorf("%w: invalid checkpoint %+v", domain.ErrInvalidInput, cp)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ ports.Store = (*Store)(nil)
