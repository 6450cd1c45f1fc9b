// Package middleware holds the echo middleware shared by every route
package middleware

import (
	"fmt"
	"time"

	"modelgate/internal/ctx"
	"modelgate/internal/metrics"
	"modelgate/internal/shared"

	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const ExternalIDHeader = "X-Request-Id"

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := shared.NewRequestID()
			externalID := c.Request().Header.Get(ExternalIDHeader)
			logger := log.With("request_id", reqID)

			values := &ctx.ContextLogValues{
				RequestID:  reqID,
				ExternalID: externalID,
				StartTime:  time.Now(),
				Path:       c.Path(),
			}
			cc := &ctx.Context{Context: c, Log: logger, Reqid: reqID, LogValues: values}
			c.Response().Header().Set(ExternalIDHeader, reqID)

			err := next(cc)
			if err != nil {
				// Let echo write the error response so the status below is final.
				c.Error(err)
				values.AddError(err)
			}

			values.StatusCode = cc.Response().Status
			values.RequestDuration = time.Since(values.StartTime)
			level := levelFor(values)
			log.Desugar().Check(level, "end_of_request").Write(zap.Object("request", values))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return nil
		}
	}
}

func levelFor(v *ctx.ContextLogValues) zapcore.Level {
	if v.LogLevel != "" {
		if lvl, err := zapcore.ParseLevel(v.LogLevel); err == nil {
			return lvl
		}
	}
	switch {
	case v.StatusCode >= 500:
		return zapcore.ErrorLevel
	case v.StatusCode >= 400:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			return c.String(500, shared.ErrInternalServerError.Err.Error())
		},
	})
}
