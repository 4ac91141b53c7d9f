package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/walletkit/asset-valuation/internal/application/services"
	"github.com/walletkit/asset-valuation/internal/config"
	"github.com/walletkit/asset-valuation/internal/domain/entities"
	"github.com/walletkit/asset-valuation/internal/infrastructure/cache"
	"github.com/walletkit/asset-valuation/internal/infrastructure/database"
	"github.com/walletkit/asset-valuation/internal/infrastructure/directory"
	"github.com/walletkit/asset-valuation/internal/infrastructure/ethereum"
	"github.com/walletkit/asset-valuation/internal/infrastructure/pricing"
	"github.com/walletkit/asset-valuation/internal/infrastructure/resilience"
	"github.com/walletkit/asset-valuation/internal/infrastructure/statestore"
	"github.com/walletkit/asset-valuation/internal/presentation/handlers"
	"github.com/walletkit/asset-valuation/internal/presentation/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("Starting asset-valuation engine",
		zap.Int("chains", len(cfg.Chains.RPCEndpoints)),
		zap.String("vs_currency", cfg.Engine.VsCurrency),
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.NewPostgresDB(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Connect to Redis cache (optional)
	var redisCache *cache.ValuationCache
	redisCache, err = cache.NewValuationCache(cfg.Redis, cfg.API.CacheTTL, logger)
	if err != nil {
		logger.Warn("Failed to connect to Redis, running without cache", zap.Error(err))
		redisCache = nil
	} else {
		defer redisCache.Close()
	}

	// Connect to chain RPC nodes
	rpcURLs := make(map[entities.ChainID]string, len(cfg.Chains.RPCEndpoints))
	for chainID, url := range cfg.Chains.RPCEndpoints {
		rpcURLs[entities.NewChainID(chainID)] = url
	}
	pool := ethereum.NewPool(ctx, rpcURLs, logger)
	defer pool.Close()

	chains := pool.Chains()
	if len(chains) == 0 {
		logger.Fatal("No chain RPC connection succeeded")
	}

	// State store, warm-started from Postgres
	store := statestore.NewMemoryStore(logger)
	snapshotRepo := database.NewSnapshotRepo(db.DB())
	snapshotSync := database.NewSnapshotSync(snapshotRepo, store, logger)
	if err := snapshotSync.Restore(ctx); err != nil {
		logger.Warn("Failed to restore state snapshot, starting cold", zap.Error(err))
	}

	// Seed configured tokens into the registry
	seedTokenRegistry(ctx, store, cfg.Engine.TokenLists, logger)

	snapshotSync.Start()
	defer snapshotSync.Stop()

	// Price source with fetch policy and capability cache
	engineMetrics := middleware.NewEngineMetrics()

	httpClient := &http.Client{Timeout: cfg.Pricing.RequestTimeout}
	policy := resilience.NewPolicy(resilience.Config{
		MaxRetries:             cfg.Pricing.MaxRetries,
		MaxConsecutiveFailures: cfg.Pricing.MaxConsecutiveFailures,
		CircuitBreakDuration:   cfg.Pricing.CircuitBreakDuration,
		DegradedThreshold:      cfg.Pricing.DegradedThreshold,
		RetryBaseDelay:         cfg.Pricing.RetryBaseDelay,
	}, logger)
	policy.OnBreak(func() {
		engineMetrics.CircuitBreakerOpen.Set(1)
		time.AfterFunc(cfg.Pricing.CircuitBreakDuration, func() {
			engineMetrics.CircuitBreakerOpen.Set(0)
		})
	})
	policy.OnDegraded(func(elapsed time.Duration) {
		engineMetrics.DegradedResponses.Inc()
	})

	caps := pricing.NewCapabilityCache(cfg.Pricing.BaseURL, httpClient, cfg.Pricing.CapabilityCacheTTL, logger)
	priceClient := pricing.NewClient(cfg.Pricing.BaseURL, httpClient, policy, caps, logger)

	// Account directory
	accountDirectory := directory.NewStaticDirectory(cfg.Engine.Accounts)

	// Create services
	readerProvider := &services.PoolReaderProvider{Pool: pool, Logger: logger}
	balanceService := services.NewBalanceService(readerProvider, store, accountDirectory, cfg.Engine, logger)
	marketService := services.NewMarketService(priceClient, store, chains, cfg.Engine, logger)
	valuationService := services.NewValuationService(store, accountDirectory, redisCache, chains, logger)
	defer valuationService.Close()

	// Start refresh services
	if err := balanceService.Start(ctx); err != nil {
		logger.Fatal("Failed to start balance service", zap.Error(err))
	}
	if err := marketService.Start(ctx); err != nil {
		logger.Fatal("Failed to start market service", zap.Error(err))
	}

	go exportEngineMetrics(ctx, balanceService, engineMetrics)

	// Create handlers
	valuationHandler := handlers.NewValuationHandler(valuationService, logger)

	var cacheChecker handlers.HealthChecker
	if redisCache != nil {
		cacheChecker = redisCache
	}
	// A refresh is stale once three poll intervals pass without a cycle.
	healthHandler := handlers.NewHealthHandler(db, cacheChecker, pool, balanceService, 3*cfg.Engine.BalancePollInterval)

	// Setup router
	r := chi.NewRouter()

	// Middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RateLimiter(cfg.API.RateLimitRPS))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/live", healthHandler.Live)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		valuationHandler.RegisterRoutes(r)
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	// Run server in goroutine
	go func() {
		logger.Info("API server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Received shutdown signal, shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	marketService.Stop()
	balanceService.Stop()

	logger.Info("Engine stopped")
}

// seedTokenRegistry merges configured token addresses into each chain's
// registry without discarding tokens restored from the snapshot.
func seedTokenRegistry(ctx context.Context, store *statestore.MemoryStore, lists config.TokenLists, logger *zap.Logger) {
	for chainID, addresses := range lists {
		id := entities.NewChainID(chainID)

		tokens, err := store.GetTokenRegistry(ctx, id)
		if err != nil {
			logger.Warn("Failed to read registry for seeding", zap.Error(err))
			tokens = make(map[string]entities.Token)
		}

		added := 0
		for _, addr := range addresses {
			if _, ok := tokens[addr]; ok {
				continue
			}
			// Metadata can be filled in by the token directory later.
			tokens[addr] = entities.Token{
				Address:  addr,
				Name:     "Unknown",
				Symbol:   "UNK",
				Decimals: 18,
			}
			added++
		}

		if added > 0 {
			store.SetTokenRegistry(id, tokens)
			logger.Info("Seeded token registry",
				zap.String("chain_id", string(id)),
				zap.Int("tokens", added),
			)
		}
	}
}

// exportEngineMetrics mirrors the balance service counters into Prometheus.
func exportEngineMetrics(ctx context.Context, service *services.BalanceService, metrics *middleware.EngineMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := service.GetMetrics()
			metrics.Observe(m.RefreshCycles, m.EntriesCommitted, m.CallErrors, m.LastRefreshTime)
		}
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, _ := config.Build()
	return logger
}
