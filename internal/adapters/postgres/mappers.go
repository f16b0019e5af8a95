package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
)

func toEntry(row readEntryModel) (domain.Entry, error) {
	state := map[string]any{}
	if strings.TrimSpace(row.State) != "" {
		if err := json.Unmarshal([]byte(row.State), &state); err != nil {
			return domain.Entry{}, fmt.Errorf("decode state of %s/%s: %w", row.ResourceType, row.ResourceID, err)
		}
	}
	return domain.Entry{
		ResourceType: row.ResourceType,
		ResourceID:   row.ResourceID,
		Version:      row.Version,
		State:        state,
		Deleted:      row.Deleted,
	}, nil
}

func fromEntry(entry domain.Entry) (readEntryModel, error) {
	state := entry.State
	if state == nil {
		state = map[string]any{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return readEntryModel{}, fmt.Errorf("encode state of %s/%s: %w", entry.ResourceType, entry.ResourceID, err)
	}
	return readEntryModel{
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Version:      entry.Version,
		State:        string(raw),
		Deleted:      entry.Deleted,
		UpdatedAt:    time.Now().UTC(),
	}, nil
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, operation, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

func validateCheckpoint(cp domain.Checkpoint) error {
	if strings.TrimSpace(cp.LogName) == "" || cp.Partition < 0 || cp.Offset < 0 {
		return fmt.Errorf("%w: invalid checkpoint %+v", domain.ErrInvalidInput, cp)
	}
	return nil
}
