package contracts

type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Status string       `json:"status"`
	Error  ErrorPayload `json:"error"`
}

type CommandAccepted struct {
	CommandID  string `json:"commandId"`
	ResourceID string `json:"resourceId"`
	Type       string `json:"type"`
}

type EntryResponse struct {
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Version      int64          `json:"version"`
	State        map[string]any `json:"state"`
}
