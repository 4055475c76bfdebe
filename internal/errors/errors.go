package errors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfig         Kind = "config"
	KindModelNotLoaded Kind = "model_not_loaded"
	KindDecode         Kind = "decode"
	KindValidation     Kind = "validation"
	KindInference      Kind = "inference"
	KindStorage        Kind = "storage"
	KindUnknown        Kind = "unknown"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap tags err with kind. An err that already carries a kind is returned
// unchanged so the innermost classification wins.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
		Cause:   err,
	}
}

func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first tagged error in the chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the tagged message without the op prefix, suitable for
// clients.
func MessageOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
