// Entry point for the context sync service — chi router, JWT + service-token
// auth, file-backed persistence, SQLite observability.
package main

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ctxsync/contexts"
	"github.com/hazyhaar/ctxsync/dbopen"
	"github.com/hazyhaar/ctxsync/guard"
	"github.com/hazyhaar/ctxsync/health"
	"github.com/hazyhaar/ctxsync/observability"
	"github.com/hazyhaar/ctxsync/persist"
	"github.com/hazyhaar/ctxsync/schema"
	"github.com/hazyhaar/ctxsync/session"
	"github.com/hazyhaar/ctxsync/statesync"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := statesync.DefaultConfig()
	if path := os.Getenv("CTXSYNC_CONFIG"); path != "" {
		var err error
		cfg, err = statesync.LoadConfigFile(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
	}
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if secret := os.Getenv("CTXSYNC_JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}
	if cfg.JWTSecret == "" {
		slog.Error("CTXSYNC_JWT_SECRET is required")
		os.Exit(1)
	}
	// Derive a 32-byte signing key via SHA-256 (satisfies horosafe.MinSecretLen).
	secretHash := sha256.Sum256([]byte(cfg.JWTSecret))
	jwtSecret := secretHash[:]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Sessions + observability share one SQLite database.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := observability.EnsureSchema(ctx, db); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(db)

	jwtValidator, err := session.NewJWTValidator(jwtSecret)
	if err != nil {
		slog.Error("jwt validator", "error", err)
		os.Exit(1)
	}
	tokenStore, err := session.NewStoreValidator(ctx, db)
	if err != nil {
		slog.Error("token store", "error", err)
		os.Exit(1)
	}
	g := guard.New(multiValidator{tokenStore, jwtValidator})

	// Schema registry from config.
	registry := schema.NewRegistry()
	for _, s := range cfg.Schemas {
		if err := registry.Register(s); err != nil {
			slog.Error("register schema", "schema", s.ID, "error", err)
			os.Exit(1)
		}
	}

	store, err := persist.Open(cfg.DataDir)
	if err != nil {
		slog.Error("open data dir", "error", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor(health.WithThreshold(cfg.HealthThreshold))
	engine := statesync.NewEngine(g, contexts.NewManager(registry), store,
		statesync.WithHealthMonitor(monitor),
		statesync.WithEventLogger(events),
		statesync.WithLogger(logger),
	)
	if err := engine.Initialize(ctx, cfg); err != nil {
		slog.Error("engine init", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Internal admin token for the maintenance loops.
	adminToken, err := tokenStore.CreateToken(ctx, "svc-ctxsyncd", []string{"admin"}, 365*24*time.Hour)
	if err != nil {
		slog.Error("service token", "error", err)
		os.Exit(1)
	}
	defer tokenStore.Revoke(context.WithoutCancel(ctx), adminToken)

	snapshotter := statesync.NewSnapshotter(engine, cfg.Snapshot, logger)
	go snapshotter.Run(ctx)
	go maintenanceLoop(ctx, engine, events, adminToken, cfg.CompactAfterDays)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newRouter(engine, g, tokenStore, snapshotter),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// maintenanceLoop compacts old changes and records heartbeats.
func maintenanceLoop(ctx context.Context, engine *statesync.Engine, events *observability.EventLogger, adminToken string, compactAfterDays int) {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v, err := engine.CurrentVersion(); err == nil {
				events.LogHeartbeat(ctx, "ctxsyncd", hostname, pid, v)
			}
			if compactAfterDays > 0 {
				cutoff := time.Now().AddDate(0, 0, -compactAfterDays)
				if _, err := engine.Compact(ctx, adminToken, cutoff); err != nil {
					slog.Warn("compaction failed", "error", err)
				}
			}
			if err := events.Cleanup(ctx, observability.RetentionConfig{
				EventLogsDays:  90,
				HeartbeatsDays: 7,
			}); err != nil {
				slog.Warn("observability cleanup failed", "error", err)
			}
		}
	}
}

// multiValidator tries each validator in order; the first success wins.
// Service tokens are cheap to reject (prefix check), so they go first.
type multiValidator []session.Validator

func (m multiValidator) Validate(ctx context.Context, token string) (*session.Session, error) {
	var lastErr error
	for _, v := range m {
		s, err := v.Validate(ctx, token)
		if err == nil {
			return s, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
