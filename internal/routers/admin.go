package routers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"modelgate/internal/catalog"
	"modelgate/internal/ctx"
	"modelgate/internal/ledger"
	"modelgate/internal/middleware"
	"modelgate/internal/providers"
	"modelgate/internal/respcache"
	"modelgate/internal/shared"

	"github.com/labstack/echo/v4"
)

type AdminRouter struct {
	catalog catalog.Catalog
	ledger  *ledger.Ledger
	gateway *providers.Gateway
	cache   *respcache.Tiered
}

type AdminDeps struct {
	Catalog catalog.Catalog
	Ledger  *ledger.Ledger
	Gateway *providers.Gateway
	Cache   *respcache.Tiered
}

func RegisterAdminRoutes(e *echo.Group, deps AdminDeps, auth *middleware.Auth) {
	ar := AdminRouter{
		catalog: deps.Catalog,
		ledger:  deps.Ledger,
		gateway: deps.Gateway,
		cache:   deps.Cache,
	}

	v1 := e.Group("/v1")
	extractCaller := v1.Group("", auth.ExtractCaller)
	requireCaller := v1.Group("", auth.ExtractCaller, auth.RequireCaller)
	requireAdmin := v1.Group("", auth.ExtractCaller, auth.RequireCaller, auth.RequireAdmin)

	extractCaller.GET("/models", ar.Models)
	extractCaller.GET("/providers/health", ar.ProviderHealth)
	requireCaller.GET("/costs/summary", ar.CostSummary)
	requireCaller.GET("/budgets/utilization", ar.BudgetUtilization)
	requireCaller.GET("/alerts", ar.Alerts)
	requireAdmin.GET("/cache/stats", ar.CacheStats)
	requireAdmin.DELETE("/cache", ar.ClearCache)
	requireAdmin.DELETE("/cache/:key", ar.DeleteCacheEntry)
}

type ModelList struct {
	Data []shared.ModelDescriptor `json:"data"`
}

func (ar *AdminRouter) Models(cc echo.Context) error {
	c := cc.(*ctx.Context)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	models, err := ar.catalog.List(ctx)
	if err != nil {
		c.LogValues.AddError(errors.Join(errors.New("failed to list models"), err))
		return sendError(c, shared.ErrInternalServerError)
	}
	return c.JSON(http.StatusOK, ModelList{Data: models})
}

// scopedActor returns whose data the caller may read. Admins may pick any
// actor with ?actor=, an empty value meaning everyone.
func scopedActor(c *ctx.Context) string {
	if c.Admin {
		if actor, ok := c.QueryParams()["actor"]; ok && len(actor) > 0 {
			return actor[0]
		}
	}
	return c.ActorID
}

func periodParam(c *ctx.Context, fallback ledger.Period) (ledger.Period, error) {
	raw := c.QueryParam("period")
	if raw == "" {
		return fallback, nil
	}
	p, err := ledger.ParsePeriod(raw)
	if err != nil {
		return "", &shared.RequestError{StatusCode: http.StatusBadRequest, Err: err}
	}
	return p, nil
}

func (ar *AdminRouter) CostSummary(cc echo.Context) error {
	c := cc.(*ctx.Context)
	period, err := periodParam(c, ledger.PeriodDay)
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, ar.ledger.Summary(scopedActor(c), period))
}

type UtilizationResponse struct {
	Budgeted    bool                `json:"budgeted"`
	Utilization *ledger.Utilization `json:"utilization,omitempty"`
}

func (ar *AdminRouter) BudgetUtilization(cc echo.Context) error {
	c := cc.(*ctx.Context)
	period, err := periodParam(c, ledger.PeriodDay)
	if err != nil {
		return sendError(c, err)
	}
	if period != ledger.PeriodDay && period != ledger.PeriodMonth {
		return sendError(c, &shared.RequestError{
			StatusCode: http.StatusBadRequest,
			Err:        errors.New("budgets are tracked per day or month"),
		})
	}
	u, ok := ar.ledger.CheckBudget(c.Request().Context(), scopedActor(c), period)
	if !ok {
		return c.JSON(http.StatusOK, UtilizationResponse{})
	}
	return c.JSON(http.StatusOK, UtilizationResponse{Budgeted: true, Utilization: &u})
}

type AlertList struct {
	Data []ledger.BudgetAlert `json:"data"`
}

func (ar *AdminRouter) Alerts(cc echo.Context) error {
	c := cc.(*ctx.Context)
	alerts := ar.ledger.Alerts(scopedActor(c))
	if alerts == nil {
		alerts = []ledger.BudgetAlert{}
	}
	return c.JSON(http.StatusOK, AlertList{Data: alerts})
}

type HealthResponse struct {
	Healthy   bool               `json:"healthy"`
	Providers []providers.Health `json:"providers"`
}

// ProviderHealth answers 503 when fewer than half the providers are up, so
// it doubles as a readiness check. ?history=true adds recent checks.
func (ar *AdminRouter) ProviderHealth(cc echo.Context) error {
	c := cc.(*ctx.Context)
	snapshot := ar.gateway.Snapshot()
	if c.QueryParam("history") == "true" {
		for i, h := range snapshot {
			if full, ok := ar.gateway.Health(h.Provider); ok {
				snapshot[i] = full
			}
		}
	}
	resp := HealthResponse{Healthy: ar.gateway.IsOverallHealthy(), Providers: snapshot}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

type CacheStatsResponse struct {
	respcache.Stats
	HitRate float64 `json:"hit_rate"`
}

func (ar *AdminRouter) CacheStats(cc echo.Context) error {
	c := cc.(*ctx.Context)
	stats := ar.cache.Stats()
	return c.JSON(http.StatusOK, CacheStatsResponse{Stats: stats, HitRate: stats.HitRate()})
}

func (ar *AdminRouter) DeleteCacheEntry(cc echo.Context) error {
	c := cc.(*ctx.Context)
	key := c.Param("key")
	if !ar.cache.Delete(c.Request().Context(), key) {
		return sendError(c, shared.ErrNotFound)
	}
	c.Log.Infow("Cache entry invalidated", "key", key)
	return c.NoContent(http.StatusNoContent)
}

func (ar *AdminRouter) ClearCache(cc echo.Context) error {
	c := cc.(*ctx.Context)
	ar.cache.Clear(c.Request().Context())
	c.Log.Infow("Response cache cleared", "actor_id", c.ActorID)
	return c.NoContent(http.StatusNoContent)
}
