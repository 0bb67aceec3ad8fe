package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/models"
	"github.com/driftlab/driftsync/internal/server/handlers"
	"github.com/driftlab/driftsync/internal/server/middleware"
	"github.com/driftlab/driftsync/internal/server/retention"
	"github.com/driftlab/driftsync/internal/server/storage/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "driftsync-server",
		Short:         "DriftSync synchronization gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), v)
		},
	}

	setupFlags(rootCmd, v)
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newTokenCmd(v))
	rootCmd.AddCommand(newMemberCmd(v))

	return rootCmd
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("address", "", "HTTP listen address")
	flags.String("db", "", "Path to sqlite database")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")

	bindFlag(cmd, v, "http.address", "address")
	bindFlag(cmd, v, "database.path", "db")
	bindFlag(cmd, v, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

func runServer(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.LoadServer(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting driftsync server",
		"version", Version,
		"address", cfg.HTTPAddress,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.New(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	jwtConfig := handlers.JWTConfig{
		Secret:         []byte(cfg.JWTSecret),
		AccessTokenTTL: cfg.TokenTTL,
	}

	syncHandler := handlers.NewSyncHandler(logger, handlers.SyncHandlerConfig{
		ChangeLog:       store,
		Cursors:         store,
		Members:         store,
		Retention:       store,
		RetentionWindow: cfg.RetentionWindow,
		CursorTTL:       cfg.CursorTTL,
	})
	healthHandler := handlers.NewHealthHandler(logger, Version)

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow, logger)
	defer rateLimiter.Stop()

	authChain := func(h http.Handler) http.Handler {
		h = middleware.RateLimit(rateLimiter, logger)(h)
		h = middleware.AuthMiddleware(logger, jwtConfig)(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/sync/push", authChain(http.HandlerFunc(syncHandler.HandlePush)))
	mux.Handle("GET /api/v1/sync/pull", authChain(http.HandlerFunc(syncHandler.HandlePull)))
	mux.Handle("POST /api/v1/sync/cursor", authChain(http.HandlerFunc(syncHandler.HandleUpdateCursor)))
	mux.Handle("POST /api/v1/admin/gc", authChain(http.HandlerFunc(syncHandler.HandleGC)))
	mux.HandleFunc("GET /api/v1/health", healthHandler.Health)

	var handler http.Handler = mux
	handler = middleware.LoggingWithSkip(logger, []string{"/api/v1/health"})(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweeper := retention.NewSweeper(logger, store, retention.Config{
		RetentionWindow: cfg.RetentionWindow,
		CursorTTL:       cfg.CursorTTL,
		Interval:        cfg.GCInterval,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "address", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := sweeper.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// newTokenCmd mints an access token for a user and device.
// Управление пользователями вне зоны ответственности сервера,
// токены выписываются оператором.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	var userID, deviceID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for a user and device",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			token, expiresAt, err := handlers.GenerateAccessToken(handlers.JWTConfig{
				Secret:         []byte(cfg.JWTSecret),
				AccessTokenTTL: cfg.TokenTTL,
			}, userID, deviceID)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", time.Unix(expiresAt, 0).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID to embed in the token")
	cmd.Flags().StringVar(&deviceID, "device", "", "Device ID to embed in the token")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func newMemberCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage workspace membership",
	}

	var workspaceID, userID, role string

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a user to a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !models.Role(role).Valid() {
				return fmt.Errorf("invalid role %q", role)
			}

			cfg, err := config.LoadServer(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, err := sqlite.New(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				_ = store.Close()
			}()

			err = store.AddMember(cmd.Context(), &models.WorkspaceMember{
				WorkspaceID: workspaceID,
				UserID:      userID,
				Role:        models.Role(role),
				AddedAt:     time.Now().UnixMilli(),
			})
			if err != nil {
				return fmt.Errorf("failed to add member: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "added %s to %s as %s\n", userID, workspaceID, role)
			return nil
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a user from a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(v)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			store, err := sqlite.New(cmd.Context(), cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() {
				_ = store.Close()
			}()

			if err := store.RemoveMember(cmd.Context(), workspaceID, userID); err != nil {
				return fmt.Errorf("failed to remove member: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "removed %s from %s\n", userID, workspaceID)
			return nil
		},
	}

	for _, c := range []*cobra.Command{addCmd, removeCmd} {
		c.Flags().StringVar(&workspaceID, "workspace", "", "Workspace ID")
		c.Flags().StringVar(&userID, "user", "", "User ID")
		_ = c.MarkFlagRequired("workspace")
		_ = c.MarkFlagRequired("user")
	}
	addCmd.Flags().StringVar(&role, "role", string(models.RoleMember), "Role (member or admin)")

	cmd.AddCommand(addCmd, removeCmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "DriftSync Server\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", GitCommit)
		},
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
