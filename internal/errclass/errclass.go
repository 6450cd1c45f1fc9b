// Package errclass turns upstream and local failures into a fixed taxonomy
// with a retry policy attached.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"modelgate/internal/shared"

	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
)

type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindInvalidRequest Kind = "invalid_request"
	KindValidation     Kind = "validation"
	KindModelNotFound  Kind = "model_not_found"
	KindContextLength  Kind = "context_length_exceeded"
	KindContentFilter  Kind = "content_filter"
	KindNetwork        Kind = "network_error"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server_error"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindUnknown        Kind = "unknown"
)

var baseDelays = map[Kind]time.Duration{
	KindRateLimit:     60 * time.Second,
	KindNetwork:       5 * time.Second,
	KindTimeout:       10 * time.Second,
	KindServer:        30 * time.Second,
	KindQuotaExceeded: 24 * time.Hour,
}

var retryable = map[Kind]bool{
	KindRateLimit: true,
	KindNetwork:   true,
	KindTimeout:   true,
	KindServer:    true,
}

var userMessages = map[Kind]string{
	KindRateLimit:      "The provider is rate limiting requests. Please wait a minute and try again.",
	KindAuthentication: "The gateway could not authenticate with the provider. Check the configured API key.",
	KindAuthorization:  "This account is not permitted to use the requested model or feature.",
	KindInvalidRequest: "The request was rejected as invalid. Check the parameters and try again.",
	KindValidation:     "The request failed validation. Fix the listed fields and try again.",
	KindModelNotFound:  "The requested model does not exist or is not available.",
	KindContextLength:  "The input is too long for this model. Reduce the input length or pick a model with a larger context window.",
	KindContentFilter:  "The request or response was blocked by a content filter. Rephrase the input.",
	KindNetwork:        "A network problem prevented reaching the provider. Please try again.",
	KindTimeout:        "The provider took too long to respond. Please try again.",
	KindServer:         "The provider is having problems. Please try again shortly.",
	KindQuotaExceeded:  "The provider quota is exhausted. Try again tomorrow or raise the quota.",
	KindUnknown:        "An unexpected error occurred.",
}

// Context describes where the failure happened. It only feeds technical
// details and provider heuristics.
type Context struct {
	Provider  string
	Model     string
	Operation shared.OperationKind
}

type Classification struct {
	Kind             Kind          `json:"kind"`
	Retryable        bool          `json:"retryable"`
	RetryDelay       time.Duration `json:"retry_delay"`
	UserMessage      string        `json:"user_message"`
	TechnicalDetails string        `json:"technical_details"`
	StatusCode       int           `json:"status_code,omitempty"`
}

// HTTPStatus is the status the gateway answers with for this kind.
func (c Classification) HTTPStatus() int {
	switch c.Kind {
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindInvalidRequest, KindValidation, KindContextLength:
		return http.StatusBadRequest
	case KindContentFilter:
		return http.StatusUnprocessableEntity
	case KindModelNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded:
		return http.StatusPaymentRequired
	case KindNetwork, KindServer:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// BaseDelay is the first retry delay for the kind; zero for kinds that are
// never retried.
func BaseDelay(k Kind) time.Duration {
	return baseDelays[k]
}

func IsRetryable(k Kind) bool {
	return retryable[k]
}

// Backoff returns base * 2^attempt, capped at max when max > 0.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for range attempt {
		if max > 0 && d >= max {
			return max
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Classify runs structured signals first, then message patterns, then
// provider specific heuristics.
func Classify(err error, c Context) Classification {
	if err == nil {
		return Classification{}
	}

	sig := structured(err)
	source := "structured"
	kind := sig.kind

	if kind == "" || refinable[kind] {
		if k := matchMessage(err.Error()); k != "" && (kind == "" || refines(kind, k)) {
			kind = k
			if sig.kind == "" {
				source = "pattern"
			}
		}
	}
	if kind == "" {
		kind = providerHeuristic(c.Provider, sig.status, err.Error())
		source = "provider"
	}
	if kind == "" {
		kind = KindUnknown
		source = "fallback"
	}

	delay := baseDelays[kind]
	if kind == KindRateLimit && sig.retryAfter > 0 {
		delay = sig.retryAfter
	}

	return Classification{
		Kind:        kind,
		Retryable:   retryable[kind],
		RetryDelay:  delay,
		UserMessage: userMessages[kind],
		TechnicalDetails: fmt.Sprintf("provider=%s model=%s operation=%s status=%d source=%s: %v",
			c.Provider, c.Model, c.Operation, sig.status, source, err),
		StatusCode: sig.status,
	}
}

type signal struct {
	kind       Kind
	status     int
	retryAfter time.Duration
}

func structured(err error) signal {
	switch {
	case errors.Is(err, ErrValidationFailed):
		return signal{kind: KindValidation}
	case errors.Is(err, ErrModelNotFound):
		return signal{kind: KindModelNotFound}
	case errors.Is(err, ErrUnsupportedOperation):
		return signal{kind: KindInvalidRequest}
	case errors.Is(err, context.DeadlineExceeded):
		return signal{kind: KindTimeout}
	case errors.Is(err, context.Canceled):
		return signal{kind: KindUnknown}
	}

	var upstream *shared.UpstreamError
	if errors.As(err, &upstream) {
		kind := kindFromCode(upstream.Code)
		if kind == "" {
			kind = kindFromCode(upstream.Type)
		}
		if kind == "" {
			kind = kindFromStatus(upstream.StatusCode)
		}
		return signal{kind: kind, status: upstream.StatusCode, retryAfter: upstream.RetryAfter}
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind := Kind("")
		for _, item := range gerr.Errors {
			if kind = kindFromCode(item.Reason); kind != "" {
				break
			}
		}
		if kind == "" {
			kind = kindFromStatus(gerr.Code)
		}
		return signal{kind: kind, status: gerr.Code}
	}

	var aerr genai.APIError
	if errors.As(err, &aerr) {
		return genaiSignal(aerr)
	}
	var paerr *genai.APIError
	if errors.As(err, &paerr) && paerr != nil {
		return genaiSignal(*paerr)
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return signal{kind: KindTimeout}
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return signal{kind: KindNetwork}
	}
	var dnserr *net.DNSError
	if errors.As(err, &dnserr) {
		return signal{kind: KindNetwork}
	}
	return signal{}
}

func genaiSignal(aerr genai.APIError) signal {
	kind := kindFromGRPCStatus(aerr.Status, aerr.Message)
	if kind == "" {
		kind = kindFromStatus(aerr.Code)
	}
	return signal{kind: kind, status: aerr.Code}
}

func kindFromStatus(status int) Kind {
	switch {
	case status == 0:
		return ""
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusPaymentRequired:
		return KindQuotaExceeded
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusRequestEntityTooLarge:
		return KindContextLength
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidRequest
	}
	return ""
}

func kindFromCode(code string) Kind {
	switch strings.ToLower(code) {
	case "":
		return ""
	case "rate_limit_exceeded", "rate_limit_error", "ratelimitexceeded", "userratelimitexceeded", "too_many_requests":
		return KindRateLimit
	case "insufficient_quota", "quotaexceeded", "dailylimitexceeded", "billing_hard_limit_reached":
		return KindQuotaExceeded
	case "context_length_exceeded", "string_above_max_length":
		return KindContextLength
	case "content_filter", "content_policy_violation", "safety":
		return KindContentFilter
	case "model_not_found", "not_found_error":
		return KindModelNotFound
	case "invalid_api_key", "authentication_error", "autherror":
		return KindAuthentication
	case "permission_error", "forbidden":
		return KindAuthorization
	case "server_error", "api_error", "overloaded_error", "backenderror":
		return KindServer
	case "timeout":
		return KindTimeout
	case "invalid_request_error", "badrequest":
		return KindInvalidRequest
	}
	return ""
}

func kindFromGRPCStatus(status, message string) Kind {
	switch strings.ToUpper(status) {
	case "RESOURCE_EXHAUSTED":
		if strings.Contains(strings.ToLower(message), "quota") && !strings.Contains(strings.ToLower(message), "per minute") {
			return KindQuotaExceeded
		}
		return KindRateLimit
	case "UNAUTHENTICATED":
		return KindAuthentication
	case "PERMISSION_DENIED":
		return KindAuthorization
	case "NOT_FOUND":
		return KindModelNotFound
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return KindInvalidRequest
	case "DEADLINE_EXCEEDED":
		return KindTimeout
	case "UNAVAILABLE", "INTERNAL", "UNKNOWN", "ABORTED":
		return KindServer
	}
	return ""
}
