package common

import "errors"

// Error categories. Every engine error wraps exactly one of these so callers
// can classify a rejection with errors.Is.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidState = errors.New("invalid state")
	ErrOutOfBounds  = errors.New("out of bounds")
	ErrInsufficient = errors.New("insufficient resource")
	ErrInvariant    = errors.New("invariant violation")
	ErrNotFound     = errors.New("not found")
)

type categorised struct {
	msg      string
	category error
}

func (e *categorised) Error() string { return e.msg }

func (e *categorised) Unwrap() error { return e.category }

// NewError returns a sentinel error carrying msg that matches category under
// errors.Is.
func NewError(category error, msg string) error {
	return &categorised{msg: msg, category: category}
}
