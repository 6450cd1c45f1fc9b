// Package routers wires the HTTP surface onto the gateway components
package routers

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"modelgate/internal/ctx"
	"modelgate/internal/errclass"
	"modelgate/internal/shared"
)

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// locallyDescribed kinds come from our own checks, so the cause is safe to
// show to the caller.
var locallyDescribed = map[errclass.Kind]bool{
	errclass.KindValidation:     true,
	errclass.KindModelNotFound:  true,
	errclass.KindInvalidRequest: true,
}

// sendError writes a classified error. Anything that is not classified is
// reported as an internal error with no detail.
func sendError(c *ctx.Context, err error) error {
	c.LogValues.AddError(err)

	var rerr *shared.RequestError
	if errors.As(err, &rerr) {
		return c.JSON(rerr.StatusCode, ErrorBody{Error: ErrorDetail{
			Kind:    requestErrorKind(rerr.StatusCode),
			Message: rerr.Err.Error(),
		}})
	}

	var cerr *errclass.Error
	if !errors.As(err, &cerr) {
		c.LogValues.LogLevel = "ERROR"
		return c.JSON(http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Kind:    string(errclass.KindUnknown),
			Message: shared.ErrInternalServerError.Err.Error(),
		}})
	}

	class := cerr.Class
	detail := ErrorDetail{
		Kind:      string(class.Kind),
		Message:   class.UserMessage,
		Retryable: class.Retryable,
	}
	if locallyDescribed[class.Kind] && cerr.Err != nil && cerr.Attempts == 0 {
		detail.Message = cerr.Err.Error()
	}
	if class.Retryable && class.RetryDelay > 0 {
		detail.RetryAfterSeconds = int(math.Ceil(class.RetryDelay.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(detail.RetryAfterSeconds))
	}
	status := class.HTTPStatus()
	if status >= 500 {
		c.LogValues.LogLevel = "ERROR"
	}
	return c.JSON(status, ErrorBody{Error: detail})
}

func requestErrorKind(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return string(errclass.KindAuthentication)
	case http.StatusForbidden:
		return string(errclass.KindAuthorization)
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return string(errclass.KindUnknown)
	default:
		return string(errclass.KindInvalidRequest)
	}
}
