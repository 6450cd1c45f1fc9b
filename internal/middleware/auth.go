package middleware

import (
	"net/http"

	"modelgate/internal/ctx"
	"modelgate/internal/shared"

	"github.com/labstack/echo/v4"
)

type Auth struct {
	keys KeyStore
	// dev trusts the caller id header when no keys are configured.
	dev bool
}

// NewAuth builds the auth middleware. A nil store turns on dev mode.
func NewAuth(keys KeyStore) *Auth {
	return &Auth{keys: keys, dev: keys == nil}
}

func (a *Auth) ExtractCaller(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		c.ActorID = ""
		c.Admin = false

		if a.dev {
			if id := c.Request().Header.Get(shared.CallerIDHeader); id != "" {
				a.set(c, &Caller{ActorID: id, Admin: true})
			}
			return next(c)
		}

		apiKey, err := shared.ExtractAPIKey(c)
		if err != nil {
			return next(c)
		}
		caller, err := a.keys.Lookup(c.Request().Context(), apiKey)
		if err != nil {
			c.LogValues.AddError(err)
			return next(c)
		}
		a.set(c, caller)
		return next(c)
	}
}

func (a *Auth) set(c *ctx.Context, caller *Caller) {
	c.ActorID = caller.ActorID
	c.Admin = caller.Admin
	c.LogValues.ActorID = caller.ActorID
	c.LogValues.Admin = caller.Admin
	c.Log = c.Log.With("actor_id", caller.ActorID)
}

func (a *Auth) RequireCaller(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if c.ActorID == "" {
			return c.JSON(http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"kind": "authentication", "message": "unauthorized"},
			})
		}
		return next(c)
	}
}

func (a *Auth) RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(cc echo.Context) error {
		c := cc.(*ctx.Context)
		if !c.Admin {
			return c.JSON(http.StatusForbidden, map[string]any{
				"error": map[string]any{"kind": "authorization", "message": "admin access required"},
			})
		}
		return next(c)
	}
}
