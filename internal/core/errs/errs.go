// Package errs defines the error taxonomy shared by the pipeline and the RPC
// surface. Codes are user-visible identifiers; validation and not-found
// errors travel to the boundary unchanged, storage errors are wrapped with
// their code preserved, and everything else is rewritten to INTERNAL_ERROR
// before leaving the process.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable, user-visible error identifier.
type Code string

const (
	// 1xxx price
	CodePairNotFound     Code = "PAIR_NOT_FOUND"
	CodePriceUnavailable Code = "PRICE_UNAVAILABLE"
	CodePriceStale       Code = "PRICE_STALE"

	// 2xxx chart
	CodeChartDataNotFound Code = "CHART_DATA_NOT_FOUND"
	CodeInvalidTimeRange  Code = "INVALID_TIME_RANGE"
	CodeInvalidInterval   Code = "INVALID_INTERVAL"

	// 3xxx exchange
	CodeExchangeDisconnected Code = "EXCHANGE_DISCONNECTED"
	CodeExchangeRateLimited  Code = "EXCHANGE_RATE_LIMITED"
	CodeExchangeNotSupported Code = "EXCHANGE_NOT_SUPPORTED"

	// 4xxx validation
	CodeInvalidPair       Code = "INVALID_PAIR"
	CodeInvalidPeriod     Code = "INVALID_PERIOD"
	CodeInvalidDateFormat Code = "INVALID_DATE_FORMAT"
	CodeInvalidParams     Code = "INVALID_PARAMS"

	// 5xxx system
	CodeDatabaseError      Code = "DATABASE_ERROR"
	CodeRedisError         Code = "REDIS_ERROR"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"

	// 6xxx stream
	CodeStreamAborted Code = "STREAM_ABORTED"
	CodeStreamTimeout Code = "STREAM_TIMEOUT"
)

// CoreError is the one error value type that crosses component boundaries.
type CoreError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

// New creates a CoreError with a formatted message.
func New(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured detail fields and returns the error.
func (e *CoreError) WithDetails(details map[string]any) *CoreError {
	e.Details = details
	return e
}

// Wrap attaches a cause. If the cause already carries a code, that code is
// preserved and the new code is ignored, so the original classification
// survives layered wrapping.
func Wrap(code Code, cause error, format string, args ...any) *CoreError {
	if prior := As(cause); prior != nil {
		return &CoreError{
			Code:    prior.Code,
			Message: fmt.Sprintf(format, args...),
			Details: prior.Details,
			cause:   cause,
		}
	}
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// As extracts a CoreError from err's chain, or nil.
func As(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// CodeOf returns the code carried by err, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if ce := As(err); ce != nil {
		return ce.Code
	}
	return CodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsValidation reports whether err is a 4xxx validation error.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidPair, CodeInvalidPeriod, CodeInvalidDateFormat, CodeInvalidParams:
		return true
	}
	return false
}
