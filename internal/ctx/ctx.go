// Package ctx holds the per request echo context
package ctx

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in track middleware
	RequestID       string
	ExternalID      string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added in auth middleware
	ActorID string
	Admin   bool

	// Added by generation routes
	Generation *GenerationInfo

	// Override log level, e.g. when a successful status hides a degraded
	// response
	LogLevel string

	// Added dynamically
	Error error
}

type GenerationInfo struct {
	Operation string
	Model     string
	Provider  string
	Cached    bool
	Attempts  int
	Cost      float64
	ErrorKind string
}

func (g *GenerationInfo) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("operation", g.Operation)
	enc.AddString("model", g.Model)
	enc.AddString("provider", g.Provider)
	enc.AddBool("cached", g.Cached)
	enc.AddInt("attempts", g.Attempts)
	enc.AddFloat64("cost", g.Cost)
	if g.ErrorKind != "" {
		enc.AddString("error_kind", g.ErrorKind)
	}
	return nil
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
// Log level is determined by the status code of the request
func (c *ContextLogValues) AddError(err error) {
	if err == nil {
		return
	}
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if c.ActorID != "" {
		enc.AddString("actor_id", c.ActorID)
		enc.AddBool("admin", c.Admin)
	}
	enc.AddString("request_id", c.RequestID)
	enc.AddString("external_id", c.ExternalID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	enc.AddString("path", c.Path)
	if c.Generation != nil {
		if err := enc.AddObject("generation", c.Generation); err != nil {
			return err
		}
	}
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	ActorID   string
	Admin     bool
	LogValues *ContextLogValues
}
