package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/mindsync/mindsync/internal/api/http"
	"github.com/mindsync/mindsync/internal/application/reconcile"
	"github.com/mindsync/mindsync/internal/config"
	"github.com/mindsync/mindsync/internal/domain/credentials"
	"github.com/mindsync/mindsync/internal/infrastructure/bolt"
	"github.com/mindsync/mindsync/internal/infrastructure/httpclient"
	"github.com/mindsync/mindsync/internal/infrastructure/postgres"
	"github.com/mindsync/mindsync/internal/infrastructure/sse"
	"github.com/mindsync/mindsync/internal/infrastructure/transport"
	"github.com/mindsync/mindsync/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	ctx := context.Background()
	tokens, closeTokens, err := openTokenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("credential store error: %v", err)
	}
	defer closeTokens()

	seeded, err := credentials.Seed(ctx, tokens, credentials.Tokens{Access: cfg.AccessToken, Refresh: cfg.RefreshToken})
	if err != nil {
		log.Fatalf("credential seed error: %v", err)
	}
	if seeded {
		logger.Info().Msg("credentials seeded from configuration")
	}

	// infrastructure
	sseHub := sse.NewHub(logger)
	client := httpclient.New(cfg.ServerURL, cfg.RequestTimeout, tokens, logger)
	dialer, err := transport.NewWebSocketDialer(cfg.ServerURL, client, transport.DefaultWebSocketSettings())
	if err != nil {
		log.Fatalf("transport error: %v", err)
	}

	// replica and transports
	replica := reconcile.NewReconciler(sseHub, cfg.UndoCapacity, logger)
	adoptIdentity(ctx, tokens, replica, logger)

	manager := transport.NewManager(client, dialer, replica, transport.Settings{
		PollInterval:  cfg.PollInterval,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectCap:  cfg.ReconnectCap,
	}, logger)
	replica.SetDispatcher(manager)

	// API server
	apiServer := httpapi.NewServer(replica, manager, tokens, sseHub, logger)

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: the change stream stays open
		IdleTimeout: 60 * time.Second,
	}

	if cfg.DocumentID != "" {
		if err := manager.Open(ctx, cfg.DocumentID); err != nil {
			logger.Error().Err(err).Str("document_id", cfg.DocumentID).Msg("auto-open failed")
		}
	}

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Str("server_url", cfg.ServerURL).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Close()
	sseHub.Stop()
	_ = httpServer.Shutdown(ctxShutdown)
	logger.Info().Msg("stopped")
}

func openTokenStore(ctx context.Context, cfg *config.Config) (credentials.Store, func(), error) {
	switch cfg.TokenStore {
	case config.TokenStoreMemory:
		return credentials.NewMemoryStore(), func() {}, nil
	case config.TokenStorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		var schema fs.FS = migrations.Files
		if cfg.MigrationsDir != "" {
			schema = os.DirFS(cfg.MigrationsDir)
		}
		if _, err := postgres.RunMigrations(ctx, pool, schema); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.NewCredentialRepository(pool, cfg.ServerURL), pool.Close, nil
	default:
		store, err := bolt.Open(cfg.TokenStorePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// adoptIdentity reads who the stored access token acts for. Without tokens the
// replica runs anonymously until PUT /v1/session.
func adoptIdentity(ctx context.Context, tokens credentials.Store, replica *reconcile.Reconciler, logger zerolog.Logger) {
	stored, err := tokens.Load(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNoTokens) {
			logger.Warn().Err(err).Msg("load credentials")
		}
		return
	}
	identity, err := credentials.ParseIdentity(stored.Access)
	if err != nil {
		logger.Warn().Err(err).Msg("stored access token carries no identity")
		return
	}
	replica.SetIdentity(identity.UserID, identity.Username)
	logger.Info().Str("user_id", identity.UserID).Str("username", identity.Username).Msg("identity loaded")
}
