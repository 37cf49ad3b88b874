// Package apperr defines the error taxonomy shared by the store, the
// pipeline and the HTTP layer. Callers classify errors with errors.Is
// against the sentinels below or with CodeOf.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeConflict          Code = "CONFLICT"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodePipelineStage     Code = "PIPELINE_STAGE_FAILURE"
	CodeTimeout           Code = "TIMEOUT"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrValidation        = &Error{Code: CodeValidation}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrConflict          = &Error{Code: CodeConflict}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted}
	ErrPipelineStage     = &Error{Code: CodePipelineStage}
)

// Error is a coded error with the failing operation attached.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		if e.Message != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates a coded error.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap attaches a code and operation to err.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// NotFound reports a missing job.
func NotFound(op, id string) *Error {
	return &Error{Code: CodeNotFound, Op: op, Message: fmt.Sprintf("job %s not found", id)}
}

// InvalidTransition reports an illegal lifecycle edge.
func InvalidTransition(op, id, from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Op:      op,
		Message: fmt.Sprintf("job %s: cannot move from %s to %s", id, from, to),
	}
}

// Kind names the class of a single parameter problem.
type Kind string

const (
	KindUnsupportedAction   Kind = "UnsupportedAction"
	KindParameterOutOfRange Kind = "ParameterOutOfRange"
	KindMissingParameter    Kind = "MissingParameter"
	KindMalformedParameter  Kind = "MalformedParameter"
)

// FieldError describes one offending parameter.
type FieldError struct {
	Field   string `json:"field"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ValidationError collects every offending parameter of a request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodeValidation
}

// Has reports whether any field error has the given kind.
func (e *ValidationError) Has(kind Kind) bool {
	for _, f := range e.Fields {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// StageError is a pipeline failure tagged with the stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == CodePipelineStage
}

// CodeOf classifies err, falling back to CodeInternal.
func CodeOf(err error) Code {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return CodeValidation
	}
	var se *StageError
	if errors.As(err, &se) {
		return CodePipelineStage
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodePipelineStage:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
