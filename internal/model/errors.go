package model

import "errors"

// Error taxonomy shared by the store, executor, scheduler and transport.
// Callers match with errors.Is; implementations wrap with %w.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrDependencyExists    = errors.New("backup has dependents")
	ErrStaleState          = errors.New("stale state")
	ErrCredentialInvalid   = errors.New("credential invalid")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrInternal            = errors.New("internal error")
	ErrNotDone             = errors.New("backup not done")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// ErrorCode returns the taxonomy name for err, or "Internal" when err does not
// wrap one of the sentinels above.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrDependencyExists):
		return "DependencyExists"
	case errors.Is(err, ErrStaleState):
		return "StaleState"
	case errors.Is(err, ErrCredentialInvalid):
		return "CredentialInvalid"
	case errors.Is(err, ErrResourceUnavailable):
		return "ResourceUnavailable"
	case errors.Is(err, ErrNotDone):
		return "NotDone"
	case errors.Is(err, ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "Internal"
	}
}
