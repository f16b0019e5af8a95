package domain

import (
	"strings"

	"github.com/google/uuid"
)

var outcomeNamespace = uuid.MustParse("7f3c2a9e-5b1d-4c8e-9a60-2d4b8e1f0c57")

// OutcomeID derives the event or rejection id for a command id. The same
// command id always yields the same outcome id.
func OutcomeID(commandID string) string {
	return uuid.NewSHA1(outcomeNamespace, []byte(strings.TrimSpace(commandID))).String()
}

// ResourceKey identifies a resource across resource types.
func ResourceKey(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}
