package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Match with errors.Is; the API layer maps each kind to a response code.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidReference  = errors.New("invalid reference")
	ErrStore             = errors.New("store failure")
	ErrGeneration        = errors.New("generation failed")
	ErrStreamInterrupted = errors.New("stream interrupted")
	ErrIntegrity         = errors.New("data integrity fault")
)

type kindError struct {
	kind  error
	msg   string
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *kindError) Is(target error) bool { return target == e.kind }

func (e *kindError) Unwrap() error { return e.cause }

// Cause lets github.com/pkg/errors.Cause reach the underlying error.
func (e *kindError) Cause() error { return e.cause }

// Errorf builds an error of the given kind with no underlying cause.
func Errorf(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil.
func Wrap(kind error, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...), cause: errors.WithStack(err)}
}
