package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/storyrelay/backend/internal/api"
	"github.com/storyrelay/backend/internal/auth"
	"github.com/storyrelay/backend/internal/config"
	"github.com/storyrelay/backend/internal/domain"
	"github.com/storyrelay/backend/internal/events"
	"github.com/storyrelay/backend/internal/fcm"
	"github.com/storyrelay/backend/internal/metrics"
	"github.com/storyrelay/backend/internal/repository"
	"github.com/storyrelay/backend/internal/storage"
)

const leaseSampleInterval = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()
		return serve(cmd.Context(), cfg, logger)
	},
}

// storyStore is what the server needs from a store beyond domain.StoryStore.
type storyStore interface {
	domain.StoryStore
	metrics.LeaseCounter
}

func serve(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting StoryRelay API",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Database.Store),
	)

	// Initialize store
	var store storyStore
	checks := map[string]api.Pinger{}
	switch cfg.Database.Store {
	case "memory":
		logger.Warn("Using in-memory store - data is lost on restart")
		store = repository.NewMemoryRepository(logger)
	default:
		db, err := initDatabase(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		logger.Info("Connected to database")

		if cfg.Database.AutoMigrate {
			if err := repository.NewMigrator(db, logger).Up(); err != nil {
				return err
			}
		}
		store = repository.NewPostgresRepository(db, logger)
	}
	checks["store"] = store

	// Initialize storage
	fileStorage, uploadDir, err := initStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize file storage: %w", err)
	}

	// Live events. With Redis every instance publishes to the channel and
	// delivers what it hears to its own websockets.
	wsManager := api.NewWebSocketManager(logger)
	go wsManager.Run(ctx)

	var publisher domain.EventPublisher = wsManager
	if cfg.Redis.URL != "" {
		client, err := events.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()

		bridge := events.NewRedisBroadcaster(client, cfg.Redis.Channel, logger)
		go func() {
			if err := bridge.Run(ctx, wsManager); err != nil {
				logger.Error("Event bridge stopped", zap.Error(err))
			}
		}()
		publisher = bridge
		checks["redis"] = bridge
		logger.Info("Redis event bridge enabled", zap.String("channel", cfg.Redis.Channel))
	}

	if cfg.FCM.Enabled {
		msgClient, err := fcm.NewMessagingClient(ctx, logger, cfg.FCM.CredentialsFile)
		if err != nil {
			logger.Warn("Failed to initialize Firebase client - push notifications will be disabled", zap.Error(err))
		} else {
			notifier := fcm.NewNotifier(msgClient, logger)
			go notifier.Run(ctx)
			publisher = domain.Publishers{publisher, notifier}
			logger.Info("Firebase push notifications enabled")
		}
	}

	// Initialize auth
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	var tokens auth.AccessTokenValidator = jwtManager
	if google := auth.NewGoogleTokenValidator(cfg.Google.ClientIDs); google.IsConfigured() {
		tokens = auth.ChainValidator{jwtManager, google}
		logger.Info("Google ID tokens accepted")
	}

	// Initialize services
	lockService := domain.NewLockService(store, publisher, cfg.Story.LeaseDuration, logger)
	turnService := domain.NewTurnService(store, publisher, cfg.Story.MaxTurnChars, logger)
	storyService := domain.NewStoryService(store, fileStorage, logger)

	// Initialize router
	opts := []api.RouterOption{api.WithCORSOrigins(cfg.Server.CORSOrigins)}
	if uploadDir != "" {
		opts = append(opts, api.WithUploads(uploadDir))
	}
	router := api.NewRouter(
		api.NewWritingHandler(lockService, turnService, logger),
		api.NewStoryHandler(storyService, cfg.Storage.MaxCoverBytes, logger),
		api.NewEventsHandler(wsManager, store, logger),
		api.NewHealthHandler(version, checks, logger),
		tokens,
		logger,
		opts...,
	)

	metrics.StartLeaseSampler(ctx, store, leaseSampleInterval, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// initStorage returns the cover store and, for local storage, the directory
// to serve under /uploads.
func initStorage(ctx context.Context, cfg *config.Config) (storage.FileStorage, string, error) {
	if cfg.Storage.Type == "s3" {
		s3Storage, err := storage.NewS3Storage(ctx, cfg.Storage)
		if err != nil {
			return nil, "", err
		}
		return s3Storage, "", nil
	}

	baseURL := cfg.Storage.LocalBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%s/uploads", cfg.Server.Port)
	}
	local, err := storage.NewLocalFileStorage(cfg.Storage.LocalPath, baseURL)
	if err != nil {
		return nil, "", err
	}
	return local, local.BasePath(), nil
}
