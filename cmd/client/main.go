package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/driftlab/driftsync/internal/client/outbox"
	"github.com/driftlab/driftsync/internal/client/session"
	"github.com/driftlab/driftsync/internal/client/storage/boltdb"
	"github.com/driftlab/driftsync/internal/client/transport"
	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/models"
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
		Use:           "driftsync",
		Short:         "DriftSync offline-first client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", "", "Server base URL")
	flags.String("db", "", "Path to local database")
	flags.String("workspace", "", "Workspace ID")
	flags.String("token", "", "Access token")

	bindFlag(rootCmd, v, "client.server_url", "server")
	bindFlag(rootCmd, v, "client.database.path", "db")
	bindFlag(rootCmd, v, "client.workspace_id", "workspace")
	bindFlag(rootCmd, v, "client.token", "token")

	rootCmd.AddCommand(
		newPutCmd(v),
		newGetCmd(v),
		newListCmd(v),
		newDeleteCmd(v),
		newSyncCmd(v),
		newRunCmd(v),
		newStatusCmd(v),
		newVersionCmd(),
	)

	return rootCmd
}

func bindFlag(cmd *cobra.Command, v *viper.Viper, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
	}
}

// env собирает открытое локальное хранилище и сессию для одной команды
type env struct {
	cfg     config.ClientConfig
	store   *boltdb.Storage
	session *session.Session
	logger  *slog.Logger
}

func (e *env) close() {
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			e.logger.Error("failed to close session", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error("failed to close database", "error", err)
		}
	}
}

func newEnv(ctx context.Context, v *viper.Viper) (*env, error) {
	cfg, err := config.LoadClient(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.LogLevel)

	store, err := boltdb.New(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	token := cfg.Token
	sess, err := session.New(store, session.Config{
		WorkspaceID: cfg.WorkspaceID,
		Backend:     cfg.Backend,
		Transport: transport.Config{
			BaseURL: cfg.ServerURL,
			Token: func(ctx context.Context) (string, error) {
				return token, nil
			},
		},
		FlushInterval: cfg.FlushInterval,
		PullInterval:  cfg.PullInterval,
		OnConflict: func(ev models.ConflictEvent) {
			fmt.Fprintf(os.Stderr, "conflict on %s/%s: winner %s\n", ev.Table, ev.PK, ev.Winner.DeviceID)
		},
		OnPermanentFailure: func(failure outbox.PermanentFailure) {
			fmt.Fprintf(os.Stderr, "dropped change %s/%s: %s\n", failure.Table, failure.PK, failure.Message)
		},
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &env{cfg: cfg, store: store, session: sess, logger: logger}, nil
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "put <table> <pk> <fields-json>",
		Short: "Create or update a row",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fields map[string]interface{}
			if err := json.Unmarshal([]byte(args[2]), &fields); err != nil {
				return fmt.Errorf("invalid fields json: %w", err)
			}

			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			row, err := e.store.PutRow(cmd.Context(), e.cfg.WorkspaceID, args[0], args[1], fields)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "put %s/%s at %s\n", row.Table, row.PK, row.Clock)
			return nil
		},
	}
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <pk>",
		Short: "Show a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			row, err := e.store.GetRow(cmd.Context(), e.cfg.WorkspaceID, args[0], args[1])
			if err != nil {
				return err
			}

			return printJSON(cmd, row)
		},
	}
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list <table>",
		Short: "List rows of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			rows, err := e.store.ListRows(cmd.Context(), e.cfg.WorkspaceID, args[0])
			if err != nil {
				return err
			}

			for _, row := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", row.PK, row.Clock)
			}
			return nil
		},
	}
}

func newDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <table> <pk>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.store.DeleteRow(cmd.Context(), e.cfg.WorkspaceID, args[0], args[1]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

// newSyncCmd выполняет один цикл flush + pull и завершается
func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Flush pending changes and pull remote ones once",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			flush, err := e.session.Flush(cmd.Context())
			if err != nil {
				return fmt.Errorf("flush failed: %w", err)
			}

			pull, err := e.session.Pull(cmd.Context())
			if err != nil {
				return fmt.Errorf("pull failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d, applied %d, skipped %d, conflicts %d, cursor %d\n",
				flush.Accepted, pull.Applied, pull.Skipped, pull.Conflicts, pull.Cursor)
			return nil
		},
	}
}

// newRunCmd запускает фоновые flush и pull циклы до сигнала остановки
func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run background sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := newEnv(ctx, v)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.session.Start(ctx); err != nil {
				return err
			}

			e.logger.Info("sync session running", "workspace_id", e.cfg.WorkspaceID)
			<-ctx.Done()
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer e.close()

			status, err := e.session.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "workspace: %s\n", status.WorkspaceID)
			fmt.Fprintf(cmd.OutOrStdout(), "state:     %s\n", status.State)
			fmt.Fprintf(cmd.OutOrStdout(), "pending:   %d\n", status.Pending)
			fmt.Fprintf(cmd.OutOrStdout(), "cursor:    %d\n", status.Cursor)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "DriftSync Client\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", BuildDate)
			fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", GitCommit)
		},
	}
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(value)
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

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
