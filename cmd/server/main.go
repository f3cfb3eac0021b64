// Command server runs the shipping checkout/reconciliation backend.
//
// Startup order matters: configuration and logging first, then tracing, then
// the database, then the payment collaborators (gateway client, duplicate
// cache, label dispatcher), then the reconciler and the poll manager whose
// paid/failed hooks drive it, and finally the HTTP server. Shutdown walks the
// same chain in reverse.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/confix/go-shipping-backend/internal/cache"
	"github.com/confix/go-shipping-backend/internal/config"
	"github.com/confix/go-shipping-backend/internal/gateway"
	httpapi "github.com/confix/go-shipping-backend/internal/http"
	"github.com/confix/go-shipping-backend/internal/notify"
	"github.com/confix/go-shipping-backend/internal/observability"
	"github.com/confix/go-shipping-backend/internal/poller"
	"github.com/confix/go-shipping-backend/internal/repo"
	"github.com/confix/go-shipping-backend/internal/services"
	"github.com/confix/go-shipping-backend/internal/sysutil"
)

func main() {
	// .env is a local-dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	version := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Str("gin_mode", cfg.GinMode).Msg("starting shipping backend")

	ctx := context.Background()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		log.Fatal().Err(err).Msg("gorm tracing plugin failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)

	// Optional duplicate-lookup cache. The database unique index stays
	// authoritative, so a missing or unreachable Redis only costs queries.
	var dupCache services.DuplicateCache
	if cfg.RedisAddr != "" {
		c := cache.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 24*time.Hour)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := c.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable, duplicate cache disabled")
		} else {
			dupCache = c
		}
		cancel()
	}

	// Optional label-service notification on shipment creation.
	var dispatcher notify.Dispatcher
	if cfg.LabelWebhookURL != "" {
		dispatcher = notify.NewWebhookDispatcher(cfg.LabelWebhookURL, cfg.LabelWebhookTimeout)
	}

	reconciler := services.NewReconcileService(db, gw, dispatcher)
	reconciler.Cache = dupCache
	reconciler.DupWaitAttempts = cfg.Reconcile.DupWaitAttempts
	reconciler.DupWaitInterval = cfg.Reconcile.DupWaitInterval

	// Poll sessions feed confirmations into the same reconciliation path the
	// page load and the webhook use; the CAS on the intent row dedupes them.
	sessions := poller.NewManager(gw, poller.Config{
		FastInterval: cfg.Poll.FastInterval,
		SlowInterval: cfg.Poll.SlowInterval,
		FastAttempts: cfg.Poll.FastAttempts,
		MaxAttempts:  cfg.Poll.MaxAttempts,
	}, nil, poller.Hooks{
		OnPaid: func(ctx context.Context, ref string) {
			if err := reconciler.ConfirmPayment(ctx, ref); err != nil {
				log.Warn().Err(err).Str("reference", ref).Msg("poller confirmation failed")
				return
			}
			if _, err := reconciler.Reconcile(ctx, ref); err != nil && !errors.Is(err, services.ErrStillProcessing) {
				log.Warn().Err(err).Str("reference", ref).Msg("poller-driven reconciliation failed")
			}
		},
		OnFailed: func(ctx context.Context, ref string) {
			if err := reconciler.FailPayment(ctx, ref); err != nil {
				log.Warn().Err(err).Str("reference", ref).Msg("recording payment failure failed")
			}
		},
	})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Deps{
		Gateway:    gw,
		Reconciler: reconciler,
		Sessions:   sessions,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	sessions.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("stopped")
}
