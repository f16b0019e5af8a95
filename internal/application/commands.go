package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/contracts"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/domain"
	"github.com/viralforge/mesh/cqrs-pipeline/internal/ports"
)

type SubmitInput struct {
	Verb       domain.Verb
	Base       string
	ResourceID string
	Body       map[string]any
	User       string
}

// CommandService turns API calls into command envelopes on the command log.
// It only checks what the envelope needs; state checks belong to the
// validator.
type CommandService struct {
	registry *domain.Registry
	commands ports.LogAppender
	nowFn    func() time.Time
	idFn     func() string
}

func NewCommandService(registry *domain.Registry, commands ports.LogAppender) *CommandService {
	return &CommandService{
		registry: registry,
		commands: commands,
		nowFn:    func() time.Time { return time.Now().UTC() },
		idFn:     uuid.NewString,
	}
}

func (s *CommandService) Submit(ctx context.Context, in SubmitInput) (contracts.CommandAccepted, error) {
	ct, err := s.registry.ContentType(strings.TrimSpace(in.Base))
	if err != nil {
		return contracts.CommandAccepted{}, err
	}
	commandID := s.idFn()
	resourceID := strings.TrimSpace(in.ResourceID)
	switch in.Verb {
	case domain.VerbCreate:
		resourceID = commandID
	case domain.VerbUpdate, domain.VerbDelete:
		if resourceID == "" {
			return contracts.CommandAccepted{}, fmt.Errorf("%w: resource id is required", domain.ErrInvalidInput)
		}
	default:
		return contracts.CommandAccepted{}, fmt.Errorf("%w: unsupported verb %q", domain.ErrInvalidInput, in.Verb)
	}
	body := in.Body
	if body == nil {
		body = map[string]any{}
	}
	if in.Verb != domain.VerbDelete {
		if err := s.registry.ValidateBody(ct.Base, body); err != nil {
			return contracts.CommandAccepted{}, err
		}
	}

	cmd := contracts.Command{
		ID:         commandID,
		Type:       domain.CommandType(in.Verb, ct.Name),
		ResourceID: resourceID,
		Body:       body,
		Meta: contracts.CommandMeta{
			User:      strings.TrimSpace(in.User),
			Timestamp: s.nowFn(),
		},
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return contracts.CommandAccepted{}, fmt.Errorf("%w: encode command: %v", domain.ErrInvalidInput, err)
	}
	if err := s.commands.Append(ctx, resourceID, payload); err != nil {
		return contracts.CommandAccepted{}, fmt.Errorf("%w: append command: %v", domain.ErrDependencyUnavailable, err)
	}
	return contracts.CommandAccepted{CommandID: cmd.ID, ResourceID: resourceID, Type: cmd.Type}, nil
}
