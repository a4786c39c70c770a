package common

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a failure by how the storefront should surface it.
type Kind string

const (
	// KindValidation marks client-side field check failures. They never reach the network.
	KindValidation Kind = "VALIDATION_ERROR"
	// KindNetwork marks transport failures and timeouts talking to the backend.
	KindNetwork Kind = "NETWORK_ERROR"
	// KindRemoteRejection marks structured failures returned by the backend.
	KindRemoteRejection Kind = "REMOTE_REJECTION"
	// KindGateway marks payment widget failures, including abandonment.
	KindGateway Kind = "GATEWAY_ERROR"
	// KindVerification marks post-payment verification failures.
	KindVerification Kind = "VERIFICATION_ERROR"
	// KindConflict marks requests that collide with in-flight or existing state.
	KindConflict Kind = "CONFLICT"
	// KindInternal is used for everything else.
	KindInternal Kind = "INTERNAL"
)

// AppError represents a user-facing failure with an attached kind and HTTP status.
type AppError struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(kind Kind, message string, status int, err error) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: status, Err: err}
}

// Network wraps a transport failure.
func Network(message string, err error) *AppError {
	return NewAppError(KindNetwork, message, http.StatusBadGateway, err)
}

// Rejection wraps a structured backend failure. Status is the backend's status code.
func Rejection(message string, status int, err error) *AppError {
	if status < 400 || status >= 500 {
		status = http.StatusUnprocessableEntity
	}
	return NewAppError(KindRemoteRejection, message, status, err)
}

// Gateway wraps a payment widget failure.
func Gateway(message string, err error) *AppError {
	return NewAppError(KindGateway, message, http.StatusPaymentRequired, err)
}

// Verification wraps a failed post-payment verification.
func Verification(message string, err error) *AppError {
	return NewAppError(KindVerification, message, http.StatusPaymentRequired, err)
}

// Conflict wraps a request that collides with existing state.
func Conflict(message string, err error) *AppError {
	return NewAppError(KindConflict, message, http.StatusConflict, err)
}

// KindOf classifies err. Validation errors, AppErrors and context expiry are recognised;
// everything else is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	return KindInternal
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// FieldError describes one failed field check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries the field-level failures of a local validation pass.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Fields[0].Field + " " + e.Fields[0].Message
}

// Add appends a field failure.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field failed so callers can return it directly.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}
