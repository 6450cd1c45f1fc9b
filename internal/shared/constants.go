package shared

import "time"

// HTTP Client Configuration
const (
	DefaultHTTPTimeout       = 180 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second
	DefaultShutdownTimeout   = 2 * time.Minute
	MaxErrorBodyBytes        = 4096
)

// Cache Configuration
const (
	ModelCatalogCacheTTL  = 30 * time.Minute
	APIKeyCacheTTL        = 10 * time.Minute
	ResponseCacheTTL      = 1 * time.Hour
	ResponseCacheMax      = 1000
	ResponseCacheSweep    = 5 * time.Minute
	ResponseCacheEvictPct = 0.10
)

// API Configuration
const (
	APIKeyLength    = 32
	RequestIDLength = 28
	RequestIDPrefix = "req_"
	RequestIDChars  = "0123456789abcdefghijklmnopqrstuvwxyz"
	CallerIDHeader  = "X-Caller-ID"
)

// Retry Configuration
const (
	DefaultMaxRetries = 3
	DefaultMaxBackoff = 5 * time.Minute
)

// Provider Health Configuration
const (
	UnhealthyAfterErrors = 3
	HealthEMAAlpha       = 0.1
	HealthHistorySize    = 100
	HealthProbeInterval  = 5 * time.Minute
	HealthProbeTimeout   = 15 * time.Second
)

// Ledger Configuration
const (
	LedgerRetention      = 7 * 24 * time.Hour
	LedgerPruneInterval  = 1 * time.Hour
	LedgerMaxRecords     = 10_000
	LedgerPruneBatch     = 1_000
	AlertDedupWindow     = 1 * time.Hour
	AnomalyWindow        = 24 * time.Hour
	AnomalySampleSize    = 50
	AnomalyMinSamples    = 3
	AnomalyMultiplier    = 5.0
	AnomalyFloorUSD      = 0.01
	HighCostThresholdUSD = 1.00
	DefaultWarningPct    = 0.80
	DefaultCriticalPct   = 0.95
	MaxStoredAlerts      = 500
)

// Bucket Configuration
const (
	BucketFlushInterval = 1 * time.Minute
	BucketRetryDelay    = 2 * time.Second
	BucketMaxBatch      = 100
	MaxFlushRetries     = 3
	FlushTimeout        = 30 * time.Second
)
