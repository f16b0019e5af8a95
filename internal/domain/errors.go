package domain

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("resource not found")
	ErrConflict              = errors.New("conflict")
	ErrSchemaInvalid         = errors.New("schema invalid")
	ErrBusinessRule          = errors.New("business rule violation")
	ErrUnknownCommand        = errors.New("unknown command type")
	ErrCorruptEnvelope       = errors.New("corrupt envelope")
	ErrResourceHalted        = errors.New("resource halted")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
)
