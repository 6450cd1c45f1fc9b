package ledger

import (
	"math"
	"strings"

	"modelgate/internal/shared"
)

// DefaultSurcharges are markups for providers that resell models hosted on
// someone else's infrastructure.
var DefaultSurcharges = map[string]float64{
	"openrouter": 1.05,
	"bedrock":    1.03,
	"together":   1.03,
	"azure":      1.02,
	"vertex":     1.02,
}

// ComputeCost prices usage in USD. Cached input tokens are billed at the
// cached rate and the rest at the full input rate. The result is never
// negative.
func ComputeCost(p shared.Pricing, usage shared.Usage, surcharge float64) float64 {
	cachedIn := min(usage.CachedInputTokens, usage.InputTokens)
	freshIn := usage.InputTokens - cachedIn

	cost := (float64(freshIn)*p.InputPerMTok +
		float64(cachedIn)*p.CachedInputPerMTok +
		float64(usage.OutputTokens)*p.OutputPerMTok) / 1_000_000
	if surcharge > 0 {
		cost *= surcharge
	}
	if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return 0
	}
	return cost
}

func (l *Ledger) surcharge(provider string) float64 {
	if m, ok := l.cfg.Surcharges[strings.ToLower(provider)]; ok {
		return m
	}
	return 1
}

// ComputeCost prices a call against the model descriptor. Cached calls are
// always free.
func (l *Ledger) ComputeCost(desc *shared.ModelDescriptor, usage shared.Usage, cached bool) float64 {
	if cached || desc == nil {
		return 0
	}
	return ComputeCost(desc.Pricing, usage, l.surcharge(desc.Provider))
}
