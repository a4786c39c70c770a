package common

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// WriteError maps err onto the error taxonomy and renders it. Internal errors are logged
// with the request logger and reported with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		JSONError(w, http.StatusBadRequest, string(KindValidation), "please correct the highlighted fields", verr.Fields)
		return
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Kind != "" {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, string(appErr.Kind), appErr.Error(), appErr.Details)
		return
	}
	if r != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request_failed")
	}
	JSONError(w, http.StatusInternalServerError, string(KindInternal), "something went wrong, please try again", nil)
}

// DecodeJSON reads a JSON request body into dst rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "is required"}}}
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ValidationError{Fields: []FieldError{{Field: "body", Message: "is not valid JSON"}}}
	}
	return nil
}
