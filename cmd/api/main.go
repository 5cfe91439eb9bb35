package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"greenops/internal/billing"
	"greenops/internal/config"
	"greenops/internal/connection"
	"greenops/internal/credentials"
	"greenops/internal/gcp"
	transporthttp "greenops/internal/http"
	"greenops/internal/platform/database"
	"greenops/internal/platform/logging"
	"greenops/internal/platform/migrate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)

	codec, err := credentials.NewCodec(cfg.TokenKey)
	if err != nil {
		logger.Error("failed to initialize credential codec", "error", err)
		os.Exit(1)
	}

	states, err := gcp.NewStateSigner(cfg.StateSecret)
	if err != nil {
		logger.Error("failed to initialize state signer", "error", err)
		os.Exit(1)
	}

	auth, err := gcp.NewAuthenticator(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectURL)
	if err != nil {
		logger.Error("failed to initialize google authenticator", "error", err)
		os.Exit(1)
	}

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize connection store", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	syncer := billing.NewSyncer(billing.NewGoogleFetcher(logger), logger)
	cache := billing.NewCache(cfg.SnapshotCacheTTL)
	svc := connection.NewService(store, codec, auth, states, syncer, cache, logger)

	handler := transporthttp.NewGCPHandler(svc, cfg.FrontendURL, logger)
	resolver := transporthttp.ProxyHeaderResolver{}
	router := transporthttp.NewRouter(cfg, handler, resolver, logger)

	srv := &http.Server{
		Addr:              cfg.HTTPAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    http.DefaultMaxHeaderBytes,
	}

	go func() {
		logger.Info("GreenOps API listening", "addr", srv.Addr, "store", cfg.DataStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func buildStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (connection.Store, func(), error) {
	if cfg.UseInMemoryStore() {
		logger.Info("using in-memory connection store")
		return connection.NewInMemoryStore(), nil, nil
	}

	db, err := database.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = db.Close()
	}

	if err := migrate.Apply(ctx, db, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	logger.Info("connected to postgres")
	return connection.NewPostgresStore(db), cleanup, nil
}
