package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"modelgate/internal/catalog"
	"modelgate/internal/database"
	"modelgate/internal/ledger"
	"modelgate/internal/middleware"
	"modelgate/internal/orchestrator"
	"modelgate/internal/providers"
	"modelgate/internal/respcache"
	"modelgate/internal/routers"
	"modelgate/internal/shared"
	"modelgate/internal/sink"

	_ "github.com/go-sql-driver/mysql"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Flags / ENV Variables
	port := flag.Int("port", 80, "Port to listen on")
	debug := flag.Bool("debug", false, "Debug enabled")
	dsn := flag.String("dsn", "", "MySQL DSN or postgres:// URL for outcome storage")
	redisAddr := flag.String("redis-addr", "", "Redis host:port for the shared cache tier")
	metricsAPIKey := flag.String("metrics-api-key", "", "Metrics api key")

	apiKeys := flag.String("api-keys", "", "Comma separated key:actor[:admin] entries")
	dbAPIKeys := flag.Bool("db-api-keys", false, "Resolve API keys from the api_key table (MySQL only)")

	catalogPath := flag.String("catalog", "", "JSON file of model descriptors, replaces the built in list")
	dbCatalog := flag.Bool("db-catalog", false, "Resolve models from the model table (MySQL only)")
	budgetsPath := flag.String("budgets", "", "JSON file of per actor budgets")

	openaiBaseURL := flag.String("openai-base-url", "", "OpenAI compatible base URL")
	openaiAPIKey := flag.String("openai-api-key", "", "OpenAI API key")
	geminiAPIKey := flag.String("gemini-api-key", "", "Gemini API key")

	cacheMax := flag.Int("cache-max-entries", shared.ResponseCacheMax, "Max in memory response cache entries")
	cacheTTL := flag.Duration("cache-ttl", shared.ResponseCacheTTL, "Response cache TTL")
	noCache := flag.Bool("no-cache", false, "Disable the response cache")
	collapse := flag.Bool("collapse-inflight", false, "Share one upstream call between identical concurrent requests")
	maxRetries := flag.Int("max-retries", shared.DefaultMaxRetries, "Retries for retryable provider errors")

	err := eflag.SetFlagsFromEnvironment()
	if err != nil {
		panic(err)
	}
	flag.Parse()

	var logger *zap.Logger
	if !*debug {
		logger, err = zap.NewProduction()
		if err != nil {
			panic("Failed init logger")
		}
	}
	if *debug {
		logger, err = zap.NewDevelopment()
		if err != nil {
			panic("Failed init logger")
		}
	}
	log := logger.Sugar()
	defer func() {
		_ = log.Sync()
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), shared.HealthProbeTimeout)
	defer cancelStart()

	// Outcome storage
	var store sink.Store = sink.LogStore{Log: log}
	var mysqlDB *sql.DB
	switch {
	case strings.HasPrefix(*dsn, "postgres://"), strings.HasPrefix(*dsn, "postgresql://"):
		pool, err := database.NewPGPool(startCtx, *dsn)
		if err != nil {
			panic(fmt.Sprintf("failed initializing postgres pool: %s", err))
		}
		defer pool.Close()
		store = database.NewPGStore(pool)
		log.Info("Persisting outcomes to postgres")
	case *dsn != "":
		mysqlDB, err = sql.Open("mysql", *dsn)
		if err != nil {
			panic(fmt.Sprintf("failed initializing sqlClient: %s", err))
		}
		err = mysqlDB.Ping()
		if err != nil {
			panic(fmt.Sprintf("failed ping to sql db: %s", err))
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		store = database.NewMySQLStore(mysqlDB)
		log.Info("Persisting outcomes to mysql")
	default:
		log.Warn("No DSN configured, outcomes are only logged")
	}
	if (*dbCatalog || *dbAPIKeys) && mysqlDB == nil {
		panic("-db-catalog and -db-api-keys need a mysql -dsn")
	}

	// Load Redis connection
	var redisClient *redis.Client
	if *redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     *redisAddr,
			Password: "",
			DB:       0,
		})
		if err := redisClient.Ping(startCtx).Err(); err != nil {
			panic(fmt.Sprintf("failed ping to redis db: %s", err))
		}
		defer func() {
			_ = redisClient.Close()
		}()
	}

	// Model catalog
	var models catalog.Catalog
	switch {
	case *dbCatalog:
		models = catalog.NewSQL(mysqlDB, redisClient, log)
	case *catalogPath != "":
		models, err = catalog.LoadFile(*catalogPath)
		if err != nil {
			panic(err)
		}
	default:
		models = catalog.NewStatic(catalog.DefaultModels()...)
	}

	// Providers
	var provs []providers.Provider
	if *openaiAPIKey != "" || *openaiBaseURL != "" {
		provs = append(provs, providers.NewOpenAI(providers.OpenAIConfig{
			BaseURL: *openaiBaseURL,
			APIKey:  *openaiAPIKey,
		}, log))
	}
	if *geminiAPIKey != "" {
		gemini, err := providers.NewGemini(startCtx, *geminiAPIKey, "", log)
		if err != nil {
			panic(err)
		}
		provs = append(provs, gemini)
	}
	if len(provs) == 0 {
		log.Warn("No providers configured, every generation will fail")
	}
	gateway := providers.NewGateway(log, provs)
	gateway.StartProbe()
	defer gateway.Close()

	// Response cache
	localCache := respcache.New(respcache.Config{MaxEntries: *cacheMax, DefaultTTL: *cacheTTL}, log)
	localCache.Start()
	defer localCache.Close()
	var remoteCache *respcache.Redis
	if redisClient != nil {
		remoteCache = respcache.NewRedis(redisClient)
	}
	cache := respcache.NewTiered(localCache, remoteCache, log)

	// Cost ledger
	var budgets ledger.BudgetSource
	if *budgetsPath != "" {
		loaded, err := ledger.LoadBudgets(*budgetsPath)
		if err != nil {
			panic(err)
		}
		budgets = loaded
	}
	costs := ledger.New(ledger.DefaultConfig(), budgets, log, ledger.WithNotifier(ledger.LogNotifier{Log: log}))
	costs.Start()
	defer costs.Close()

	outcomes := sink.New(store, sink.DefaultConfig(), log)

	orch, err := orchestrator.New(orchestrator.Deps{
		Catalog: models,
		Gateway: gateway,
		Cache:   cache,
		Ledger:  costs,
		Sink:    outcomes,
		Log:     log,
	}, orchestrator.Config{
		MaxRetries:       *maxRetries,
		MaxBackoff:       shared.DefaultMaxBackoff,
		CacheTTL:         *cacheTTL,
		CacheEnabled:     !*noCache,
		CollapseInflight: *collapse,
	})
	if err != nil {
		panic(err)
	}

	// Auth
	var keys middleware.KeyStore
	switch {
	case *dbAPIKeys:
		keys = middleware.NewSQLKeys(mysqlDB, redisClient, log)
	case *apiKeys != "":
		static, err := middleware.ParseAPIKeys(*apiKeys)
		if err != nil {
			panic(err)
		}
		keys = static
	default:
		log.Warnf("No API keys configured, trusting the %s header", shared.CallerIDHeader)
	}
	auth := middleware.NewAuth(keys)

	e := echo.New()
	e.GET(("/ping"), func(c echo.Context) error {
		return c.String(200, "")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey, err := shared.ExtractAPIKey(c)
			if err != nil {
				return c.String(401, "Missing or invalid API key")
			}

			if apiKey != *metricsAPIKey {
				return c.String(401, "Unauthorized API key")
			}
			return next(c)
		}
	})
	base := e.Group("")
	base.Use(emw.CORS())
	base.Use(middleware.NewTrackMiddleware(log))
	base.Use(middleware.NewRecoverMiddleware(log))

	routers.RegisterGenerationRoutes(base, orch, auth)
	routers.RegisterAdminRoutes(base, routers.AdminDeps{
		Catalog: models,
		Ledger:  costs,
		Gateway: gateway,
		Cache:   cache,
	}, auth)

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", *port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Fatal("shutting down the server")
		}
	}()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), shared.DefaultShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Errorw("Failed graceful http shutdown", "error", err)
	}
	if err := outcomes.Shutdown(ctx); err != nil {
		log.Errorw("Outcome sink did not drain before the deadline", "error", err)
	}
	if sqlCatalog, ok := models.(*catalog.SQL); ok {
		sqlCatalog.Wait()
	}
	log.Info("Shutdown complete")
}
