package rpc

import (
	"encoding/json"

	"priceverse/internal/core/errs"
)

// Request is the JSON envelope every call arrives in.
type Request struct {
	ID        string          `json:"id"`
	Version   string          `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Input     json.RawMessage `json:"input"`
}

// ErrorBody is the failure payload.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the reply envelope.
type Response struct {
	ID      string     `json:"id"`
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// okResponse wraps a successful result.
func okResponse(id string, data any) Response {
	return Response{ID: id, Success: true, Data: data}
}

// errResponse maps an error onto the envelope. Validation and not-found
// errors pass through unchanged; anything unclassified is rewritten to
// INTERNAL_ERROR with no details.
func errResponse(id string, err error) Response {
	ce := errs.As(err)
	if ce == nil || ce.Code == errs.CodeInternalError {
		return Response{
			ID:      id,
			Success: false,
			Error:   &ErrorBody{Code: string(errs.CodeInternalError), Message: "internal error"},
		}
	}
	return Response{
		ID:      id,
		Success: false,
		Error: &ErrorBody{
			Code:    string(ce.Code),
			Message: ce.Message,
			Details: ce.Details,
		},
	}
}
