package postgres

import "time"

type readEntryModel struct {
	ResourceType string    `gorm:"column:resource_type;primaryKey"`
	ResourceID   string    `gorm:"column:resource_id;primaryKey"`
	Version      int64     `gorm:"column:version"`
	State        string    `gorm:"column:state;type:jsonb"`
	Deleted      bool      `gorm:"column:deleted"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (readEntryModel) TableName() string { return "read_entries" }

type checkpointModel struct {
	LogName     string    `gorm:"column:log_name;primaryKey"`
	PartitionID int       `gorm:"column:partition_id;primaryKey"`
	NextOffset  int64     `gorm:"column:next_offset"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (checkpointModel) TableName() string { return "log_checkpoints" }

type outcomeModel struct {
	OutcomeID    string    `gorm:"column:outcome_id;primaryKey"`
	CommandID    string    `gorm:"column:command_id"`
	Kind         string    `gorm:"column:kind"`
	ResourceType string    `gorm:"column:resource_type"`
	ResourceID   string    `gorm:"column:resource_id"`
	Version      int64     `gorm:"column:version"`
	Code         string    `gorm:"column:code"`
	Payload      []byte    `gorm:"column:payload"`
	Published    bool      `gorm:"column:published"`
	RecordedAt   time.Time `gorm:"column:recorded_at"`
}

func (outcomeModel) TableName() string { return "validator_outcomes" }

type headModel struct {
	ResourceType string `gorm:"column:resource_type;primaryKey"`
	ResourceID   string `gorm:"column:resource_id;primaryKey"`
	Version      int64  `gorm:"column:version"`
	Deleted      bool   `gorm:"column:deleted"`
}

func (headModel) TableName() string { return "validator_heads" }

type gapFaultModel struct {
	FaultID         int64     `gorm:"column:fault_id;primaryKey;autoIncrement"`
	ResourceType    string    `gorm:"column:resource_type"`
	ResourceID      string    `gorm:"column:resource_id"`
	ExpectedVersion int64     `gorm:"column:expected_version"`
	Reason          string    `gorm:"column:reason"`
	Events          string    `gorm:"column:events;type:jsonb"`
	DetectedAt      time.Time `gorm:"column:detected_at"`
}

func (gapFaultModel) TableName() string { return "gap_faults" }

type haltedModel struct {
	ResourceType string    `gorm:"column:resource_type;primaryKey"`
	ResourceID   string    `gorm:"column:resource_id;primaryKey"`
	HaltedAt     time.Time `gorm:"column:halted_at"`
}

func (haltedModel) TableName() string { return "halted_resources" }
