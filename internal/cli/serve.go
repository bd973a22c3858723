package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/webpresence/internal/api"
	"github.com/ashureev/webpresence/internal/config"
	"github.com/ashureev/webpresence/internal/discordipc"
	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/health"
	"github.com/ashureev/webpresence/internal/middleware"
	"github.com/ashureev/webpresence/internal/presence"
	"github.com/ashureev/webpresence/internal/relay"
	"github.com/ashureev/webpresence/internal/siteicons"
	"github.com/ashureev/webpresence/internal/store"
)

const (
	shutdownTimeout = 10 * time.Second
	connectTimeout  = 15 * time.Second
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "Port to listen on (overrides PORT)")
}

func runServe(ctx context.Context) error {
	loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("Starting relay", "port", cfg.Port, "client_id", cfg.Discord.ClientID)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	initial := domain.DefaultSettings()
	saved, err := repo.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if saved != nil {
		initial = *saved
	}
	logger.Info("Database connected", "path", cfg.DBPath, "presence_enabled", initial.Enabled)

	session := presence.NewSession(presence.Config{
		ClientID:    cfg.Discord.ClientID,
		Retry:       cfg.RetryPolicy(),
		CallTimeout: cfg.Discord.CallTimeout,
		Branding:    cfg.Branding,
	}, discordipc.NewFactory(discordipc.DialSocket, logger),
		presence.WithLogger(logger),
		presence.WithIconLookup(siteicons.Lookup),
	)
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn("Failed to close presence session", "error", closeErr)
		}
	}()

	hub := relay.NewHub(relay.Config{
		ActivityTimeout:       cfg.Relay.ActivityTimeout,
		InactiveCheckInterval: cfg.Relay.InactiveCheckInterval,
	}, session, initial, relay.WithLogger(logger), relay.WithStore(repo))

	var grpcHealth *health.Server
	if cfg.GRPCHealthAddr != "" {
		grpcHealth, err = health.New(ctx, cfg.GRPCHealthAddr, logger)
		if err != nil {
			return fmt.Errorf("starting gRPC health server: %w", err)
		}
		go func() {
			if err := grpcHealth.Serve(); err != nil {
				logger.Error("gRPC health server failed", "error", err)
			}
		}()
		defer grpcHealth.Stop()
	}

	session.Subscribe(func(st presence.Status) {
		hub.SetPresenceConnected(st.Ready())
		if grpcHealth != nil {
			grpcHealth.SetPresenceReady(st.Ready())
		}
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := session.Connect(cctx); err != nil {
			logger.Warn("Discord not available yet, retrying in background", "error", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	api.NewHealthHandler(repo, session).RegisterHealth(r)
	api.NewPresenceHandler(api.NewHandler(hub)).RegisterRoutes(r)

	// Agents connect to the bare address; /ws is kept for proxies.
	r.Get("/", hub.ServeHTTP)
	r.Get("/ws", hub.ServeHTTP)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	hub.StartSweeper(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("relay server failed: %w", err)
		}
	}
	stop()

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay forced to shutdown: %w", err)
	}
	logger.Info("Relay stopped successfully")
	return nil
}
