package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Mindburn-Labs/tollgate/pkg/agent"
	"github.com/Mindburn-Labs/tollgate/pkg/api"
	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/config"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/identity"
	"github.com/Mindburn-Labs/tollgate/pkg/observability"
	"github.com/Mindburn-Labs/tollgate/pkg/policy"
	"github.com/Mindburn-Labs/tollgate/pkg/provider"
	"github.com/Mindburn-Labs/tollgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
	"github.com/Mindburn-Labs/tollgate/pkg/signing"
)

func runServer(errOut io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "server")
	ctx := context.Background()

	// SQLite backs the domain stores; Postgres takes over agent storage
	// when DATABASE_URL is set.
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		fmt.Fprintf(errOut, "open sqlite: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	policies, err := policy.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(errOut, "policy store: %v\n", err)
		return 1
	}
	providers, err := provider.NewSQLiteRegistry(db)
	if err != nil {
		fmt.Fprintf(errOut, "provider registry: %v\n", err)
		return 1
	}
	verdicts, err := firewall.NewSQLiteVerdictStore(db)
	if err != nil {
		fmt.Fprintf(errOut, "verdict store: %v\n", err)
		return 1
	}
	sessions, err := session.NewSQLiteStore(db)
	if err != nil {
		fmt.Fprintf(errOut, "session store: %v\n", err)
		return 1
	}
	events, err := session.NewSQLiteEventStore(db)
	if err != nil {
		fmt.Fprintf(errOut, "event store: %v\n", err)
		return 1
	}

	var agentStore agent.Store
	if cfg.DatabaseURL != "" {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(errOut, "open postgres: %v\n", err)
			return 1
		}
		defer func() { _ = pg.Close() }()
		if err := pg.PingContext(ctx); err != nil {
			fmt.Fprintf(errOut, "postgres ping: %v\n", err)
			return 1
		}
		agentStore, err = agent.NewPostgresStore(pg)
		if err != nil {
			fmt.Fprintf(errOut, "agent store: %v\n", err)
			return 1
		}
		logger.Info("agent storage on postgres")
	} else {
		agentStore, err = agent.NewSQLiteStore(db)
		if err != nil {
			fmt.Fprintf(errOut, "agent store: %v\n", err)
			return 1
		}
	}
	agents := agent.NewService(agentStore, agent.NewHasher([]byte(cfg.APIKeyPepper)), nil)

	// Redis shares rate-limit buckets and signing nonces across replicas;
	// without it both fall back to per-process memory.
	var (
		limiter ratelimit.Limiter  = ratelimit.NewMemoryLimiter()
		nonces  signing.NonceStore = signing.NewMemoryNonceStore()
	)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(errOut, "redis ping: %v\n", err)
			return 1
		}
		limiter = ratelimit.NewRedisLimiter(client)
		nonces = signing.NewRedisNonceStore(client)
		logger.Info("rate limiting and nonces on redis", "addr", cfg.RedisAddr)
	}

	var verifier *signing.Verifier
	if cfg.SigningKeysPath != "" {
		registry, err := signing.LoadRegistry(cfg.SigningKeysPath)
		if err != nil {
			fmt.Fprintf(errOut, "signing registry: %v\n", err)
			return 1
		}
		verifier = signing.NewVerifier(registry, nonces, signing.DefaultMaxSkew)
		logger.Info("request signature verification enabled", "registry", cfg.SigningKeysPath)
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = true
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(errOut, "observability: %v\n", err)
			return 1
		}
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shCtx)
		}()
	}

	var archive audit.ArchiveStore
	if cfg.ArchiveBucket != "" {
		switch strings.ToLower(cfg.ArchiveBackend) {
		case "gcs":
			archive, err = audit.NewGCSArchive(ctx, cfg.ArchiveBucket)
		default:
			archive, err = audit.NewS3ArchiveStore(ctx, audit.S3ArchiveConfig{
				Bucket:   cfg.ArchiveBucket,
				Region:   cfg.ArchiveRegion,
				Endpoint: cfg.ArchiveEndpoint,
			})
		}
		if err != nil {
			fmt.Fprintf(errOut, "archive store: %v\n", err)
			return 1
		}
		logger.Info("evidence archival enabled",
			"backend", cfg.ArchiveBackend, "bucket", cfg.ArchiveBucket)
	}

	engine := firewall.NewEngine(firewall.Config{
		LowTrustThreshold: cfg.LowTrustThreshold,
		TokenDecimals:     cfg.TokenDecimals,
		LargeAmountRatio:  cfg.LargeAmountRatio,
	}, policies, providers, verdicts, nil)
	manager := session.NewManager(sessions, events, nil)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		fmt.Fprintf(errOut, "identity keyset: %v\n", err)
		return 1
	}
	tokens := identity.NewTokenManager(keySet)

	// The keyset lives in memory, so admin tokens only verify against this
	// process. Mint one bootstrap credential per start.
	bootstrap, err := tokens.Issue(ctx, "bootstrap", []string{identity.RoleAdmin}, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(errOut, "bootstrap token: %v\n", err)
		return 1
	}
	fmt.Printf("admin bootstrap token (24h): %s\n", bootstrap)

	srv := api.NewServer(api.Options{
		Engine:       engine,
		Sessions:     manager,
		SessionStore: sessions,
		Events:       events,
		Verdicts:     verdicts,
		Policies:     policies,
		Providers:    providers,
		Agents:       agents,
		Tokens:       tokens,
		Limiter:      limiter,
		Verifier:     verifier,
		Auditor:      audit.NewLogger(),
		Exporter:     audit.NewExporter(verdicts, events),
		Archive:      archive,
		Obs:          obs,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(errOut, "server: %v\n", err)
			return 1
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shCtx); err != nil {
			fmt.Fprintf(errOut, "shutdown: %v\n", err)
			return 1
		}
	}
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
