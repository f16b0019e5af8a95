package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type CommandMeta struct {
	User      string    `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Command is the envelope written to the command log, keyed by resource id.
type Command struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ResourceID string         `json:"resourceId,omitempty"`
	Body       map[string]any `json:"body"`
	Meta       CommandMeta    `json:"meta"`
}

func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(cmd.ID) == "" || strings.TrimSpace(cmd.Type) == "" {
		return Command{}, fmt.Errorf("%w: command id and type are required", ErrMalformedEnvelope)
	}
	return cmd, nil
}
