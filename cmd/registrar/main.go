package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voterledger/voterledger/internal/biometric"
	"github.com/voterledger/voterledger/internal/config"
	"github.com/voterledger/voterledger/internal/health"
	"github.com/voterledger/voterledger/internal/identity"
	"github.com/voterledger/voterledger/internal/lock"
	"github.com/voterledger/voterledger/internal/notary"
	"github.com/voterledger/voterledger/internal/notary/ethereum"
	"github.com/voterledger/voterledger/internal/registration/handler"
	"github.com/voterledger/voterledger/internal/registration/model"
	"github.com/voterledger/voterledger/internal/registration/repository"
	"github.com/voterledger/voterledger/internal/registration/service"
	"github.com/voterledger/voterledger/internal/trustledger"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("registrar exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	cfg, found, err := config.Load(config.New())
	if err != nil {
		return err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}

	// Cancelled on shutdown; stops every background loop.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	checker := health.New(health.Config{
		CheckInterval: cfg.Health.CheckInterval,
		CheckTimeout:  cfg.Health.CheckTimeout,
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)

	// ── Record store ─────────────────────────────────────────────────────────
	var db *pgxpool.Pool
	var records service.Store
	if cfg.Database.URL != "" {
		db, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := repository.NewPostgresStore(db)
		checker.Add("postgres", pg.Ping)
		records = pg
		logger.Info("connected to postgres")
	} else {
		records = repository.NewMemoryStore()
		logger.Warn("database.url not set; voter records are kept in memory only")
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	var ledger notary.Ledger
	var chain trustledger.Ledger // nil unless the chain driver is selected

	switch cfg.Ledger.Driver {
	case config.LedgerEthereum:
		keyHex, err := config.ResolveCredential(cfg.Ledger.SigningCredentialRef)
		if err != nil {
			return fmt.Errorf("ledger signing credential: %w", err)
		}
		key, err := ethereum.ParseKey(keyHex)
		if err != nil {
			return err
		}
		eth, err := ethereum.Dial(ctx, ethereum.Config{
			Endpoint:        cfg.Ledger.Endpoint,
			ContractAddress: cfg.Ledger.ContractRef,
			SigningKey:      key,
			GasLimit:        cfg.Ledger.GasLimit,
			FromBlock:       cfg.Ledger.FromBlock,
		}, logger)
		if err != nil {
			return fmt.Errorf("ethereum ledger: %w", err)
		}
		defer eth.Close()

		checker.Add("ledger", eth.Ping)
		ledger = eth
		logger.Info("ethereum ledger ready",
			zap.String("chain_id", eth.ChainID().String()),
			zap.String("from", eth.From().Hex()),
			zap.String("contract", cfg.Ledger.ContractRef),
		)

	default:
		if db != nil {
			chain = trustledger.NewPostgresLedger(db, logger)
		} else {
			chain = trustledger.New()
		}
		if err := chain.Verify(ctx); err != nil {
			logger.Warn("trust ledger integrity check FAILED", zap.Error(err))
		} else {
			n, _ := chain.Len(ctx)
			root, _ := chain.Root(ctx)
			logger.Info("trust ledger verified",
				zap.Int("entries", n),
				zap.String("root", root),
			)
		}
		checker.Add("ledger", func(ctx context.Context) error {
			_, err := chain.Len(ctx)
			return err
		})
		ledger = trustledger.NewBackend(chain)
	}

	// ── Per-voter lock ───────────────────────────────────────────────────────
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.Lock.RedisURL != "" {
		rdb, err := lock.NewRedisClient(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()

		locker = lock.NewRedisLocker(rdb, "voterledger:lock:", cfg.Lock.TTL, 0, logger)
		checker.Add("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info("using redis voter locks")
	}

	// ── Wire up layers ───────────────────────────────────────────────────────
	n := notary.New(ledger, notary.Config{
		MaxAttempts:      cfg.Notary.MaxAttempts,
		InitialBackoff:   cfg.Notary.InitialBackoff,
		MaxBackoff:       cfg.Notary.MaxBackoff,
		MaxPendingChecks: cfg.Notary.MaxPendingChecks,
		PendingTTL:       cfg.Notary.PendingTTL,
	}, logger)
	n.SetMetricsRecord(handler.RecordCommit)

	coord := service.NewCoordinator(records, n, locker, biometric.NewValidator(cfg.Biometric.Dimension), service.Config{
		CommitTimeout:       cfg.Notary.CommitTimeout,
		RecoveryConcurrency: cfg.Recovery.Concurrency,
		MaxRecoveryAttempts: cfg.Recovery.MaxAttempts,
	}, logger)
	coord.SetOutcomeRecord(handler.RecordNotarization)
	coord.SetRecoveryRecord(handler.RecordRecovery)

	voterHandler := handler.NewVoterHandler(coord, logger)

	if cfg.Biometric.ExtractorURL != "" {
		voterHandler.SetExtractor(biometric.NewHTTPExtractor(cfg.Biometric.ExtractorURL, cfg.Biometric.ExtractorTimeout))
		logger.Info("face scan extraction enabled", zap.String("url", cfg.Biometric.ExtractorURL))
	}
	if cfg.Biometric.ExtractorHealthURL != "" {
		checker.Add("extractor", health.HTTPCheck(&http.Client{Timeout: cfg.Health.CheckTimeout}, cfg.Biometric.ExtractorHealthURL))
	}

	if cfg.Operator.SecretRef != "" {
		secret, err := config.ResolveCredential(cfg.Operator.SecretRef)
		if err != nil {
			return fmt.Errorf("operator secret: %w", err)
		}
		tokens, err := identity.NewTokenIssuer([]byte(secret), cfg.Operator.Issuer, cfg.Operator.TokenTTL)
		if err != nil {
			return err
		}
		voterHandler.SetTokenIssuer(tokens)
	} else {
		logger.Warn("operator.secret_ref not set; recovery and notarize endpoints are unauthenticated")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := cfg.Server.CORSOrigins
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit; face scans make this larger than a JSON API needs.
	maxBody := cfg.Server.MaxBodyBytes
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if rps := cfg.Server.RateLimitRPS; rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}

	router.Use(requestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", handler.ReadinessHandler(checker))
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	voterHandler.Register(v1)
	if chain != nil {
		handler.NewLedgerHandler(chain, logger).Register(v1)
	}

	// ── Background loops ─────────────────────────────────────────────────────
	if cfg.Recovery.OnStartup {
		go func() {
			processed, err := coord.RecoverPending(ctx)
			if err != nil && ctx.Err() == nil {
				logger.Error("startup recovery failed", zap.Error(err))
				return
			}
			logger.Info("startup recovery finished", zap.Int("processed", processed))
		}()
	}
	if cfg.Recovery.Interval > 0 {
		go coord.StartRecovery(ctx, cfg.Recovery.Interval)
	}
	go checker.Start(ctx)
	go refreshVoterGauges(ctx, coord, 30*time.Second, logger)

	// ── Serve ────────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("registrar HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down registrar...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("registrar stopped")
	return nil
}

// refreshVoterGauges publishes per-status voter counts every interval.
func refreshVoterGauges(ctx context.Context, coord *service.Coordinator, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts, err := coord.Counts(ctx)
			if err != nil {
				logger.Warn("count voters", zap.Error(err))
				continue
			}
			for _, s := range []model.NotarizationStatus{model.StatusPending, model.StatusNotarized, model.StatusFailed} {
				handler.SetVotersGauge(string(s), float64(counts[s]))
			}
		case <-ctx.Done():
			return
		}
	}
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
