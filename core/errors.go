package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for callers and for the presentation layer.
type Kind string

const (
	KindPermissionDenied Kind = "PermissionDenied"
	KindValidation       Kind = "ValidationError"
	KindNotFound         Kind = "NotFound"
	KindStaleWrite       Kind = "StaleWrite"
	KindInvalidState     Kind = "InvalidState"
	KindTransient        Kind = "TransientNetworkError"
	KindInternal         Kind = "Internal"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrStaleWrite       = errors.New("stale write")
	ErrInvalidState     = errors.New("invalid state")
	ErrTransient        = errors.New("transient network error")
)

var kindErrors = map[Kind]error{
	KindPermissionDenied: ErrPermissionDenied,
	KindNotFound:         ErrNotFound,
	KindStaleWrite:       ErrStaleWrite,
	KindInvalidState:     ErrInvalidState,
	KindTransient:        ErrTransient,
}

// ErrorOf returns the sentinel error of a Kind; nil for KindValidation and KindInternal.
func ErrorOf(kind Kind) error {
	return kindErrors[kind]
}

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err *ValidationError) Error() string {
	if err.Err == nil {
		if len(err.Fields) > 0 {
			return err.Fields[0].Field + ": " + err.Fields[0].Error
		}
		return "validation failed"
	}
	return err.Err.Error()
}

// RecordError names the record an operation failed on and why.
type RecordError struct {
	RecordID string
	Err      error // one of the sentinel errors
	Reason   string
}

func NewRecordError(id string, err error, reason string) error {
	return &RecordError{RecordID: id, Err: err, Reason: reason}
}

func (err *RecordError) Error() string {
	if err.Reason == "" {
		return fmt.Sprintf("record %s: %v", err.RecordID, err.Err)
	}
	return fmt.Sprintf("record %s: %v: %s", err.RecordID, err.Err, err.Reason)
}

func (err *RecordError) Unwrap() error { return err.Err }

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return KindValidation
	}
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}

// Result is the envelope returned to the presentation layer.
type Result struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	ErrorKind Kind        `json:"errorKind,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func OK(data interface{}) Result {
	return Result{Success: true, Data: data}
}

func Fail(err error) Result {
	return Result{ErrorKind: KindOf(err), Message: err.Error()}
}
