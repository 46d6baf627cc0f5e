package internalerr

import "errors"

// Sentinel errors for common cases
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrNotFound      = errors.New("not found")
	ErrPrecondition  = errors.New("precondition violated")
	ErrAllExcluded   = errors.New("everything was excluded")
)
