package shared

import (
	"errors"
	"fmt"
	"time"
)

// RequestError is used when we want a specific error message and StatusCode.
// Routers return the exact message inside the request error to the caller;
// anything that should stay internal belongs in a wrapped error instead.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrInvalidKeyLen = &RequestError{Err: errors.New("invalid API key length"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}

	ErrInvalidRequest      = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}

	ErrProviderHTTP     = &MetricsError{Msg: "failed to send http request to provider", Code: "provider_http_err"}
	ErrProviderRead     = &MetricsError{Msg: "failed to read provider response", Code: "provider_response_err"}
	ErrMissingDoneToken = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrUnknownProvider  = &MetricsError{Msg: "no provider registered under that name", Code: "unknown_provider"}
	ErrOperationNotImpl = &MetricsError{Msg: "provider does not implement operation", Code: "operation_not_implemented"}
	ErrSaveOutcomes     = &MetricsError{Msg: "failed to persist outcomes", Code: "save_outcomes"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// UpstreamError is a non-2xx answer from a provider, decoded as far as the
// provider allows.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Code       string
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (u *UpstreamError) Error() string {
	if u.Code != "" {
		return fmt.Sprintf("%s: status %d (%s): %s", u.Provider, u.StatusCode, u.Code, u.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", u.Provider, u.StatusCode, u.Message)
}
