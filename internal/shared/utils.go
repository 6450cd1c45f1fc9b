// Package shared holds types, constants and helpers used across the gateway
package shared

import (
	"fmt"
	"os"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
)

func SafeEnv(env string) (string, error) {
	res, present := os.LookupEnv(env)
	if !present {
		return "", fmt.Errorf("missing environment variable %s", env)
	}
	return res, nil
}

func ExtractAPIKey(c echo.Context) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}

	apiKey := parts[1]
	if len(apiKey) != APIKeyLength {
		return "", ErrInvalidKeyLen
	}

	return apiKey, nil
}

// NewRequestID returns a prefixed random id. nanoid only fails on a bad
// alphabet, which is constant here.
func NewRequestID() string {
	id, _ := nanoid.Generate(RequestIDChars, RequestIDLength)
	return RequestIDPrefix + id
}

// EstimateTokens is a rough chars/4 estimate. It drives the context window
// warning and stands in for usage a provider does not report, so the
// estimate is billed in that case.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
