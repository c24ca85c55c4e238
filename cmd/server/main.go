// Command trackit-server runs the Track-It cost recomputation service and its batch jobs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fenceit/trackit/internal/auth"
	"github.com/fenceit/trackit/internal/config"
	"github.com/fenceit/trackit/internal/migrate"
	"github.com/fenceit/trackit/internal/model"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type rootFlags struct {
	configPath string
	dev        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:          "trackit-server",
		Short:        "Track-It job cost service",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", os.Getenv("TRACKIT_CONFIG"), "path to YAML config")
	root.PersistentFlags().BoolVar(&f.dev, "dev", false, "development logging and server reflection")

	root.AddCommand(
		newServeCmd(f),
		newMigrateCmd(f),
		newBackfillCmd(f),
		newAggregateDailyCmd(f),
		newTokenCmd(f),
	)
	return root
}

// setup loads configuration and builds the logger.
func setup(f *rootFlags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, err
	}
	var log *zap.Logger
	if f.dev {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withApp runs fn against a fully wired app and releases it afterwards.
func withApp(f *rootFlags, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := setup(f)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newMigrateCmd(f *rootFlags) *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(f)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate: store is %q, nothing to migrate", cfg.Store)
			}
			ctx, stop := signalContext()
			defer stop()
			if status {
				return migrate.Status(ctx, cfg.Database.DSN)
			}
			if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of applying")
	return cmd
}

func newBackfillCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Re-derive every line item and job total from current rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(f, func(ctx context.Context, a *app) error {
				rep, err := a.backfiller().Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, rep)
			})
		},
	}
}

func newAggregateDailyCmd(f *rootFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "aggregate-daily",
		Short: "Write the labor rollup for the last complete day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withApp(f, func(ctx context.Context, a *app) error {
				agg, err := a.daily().Run(ctx, now)
				if err != nil {
					return err
				}
				return printJSON(cmd, agg)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC3339), defaults to now")
	return cmd
}

func newTokenCmd(f *rootFlags) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token signed with the configured key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(f)
			if err != nil {
				return err
			}
			if cfg.Server.JWTKey == "" {
				return fmt.Errorf("token: server.jwt_key is not configured")
			}
			r, err := parseRole(role)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Server.AccessTTL
			}
			raw, exp, err := auth.NewTokens([]byte(cfg.Server.JWTKey), ttl).Issue(args[0], r)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"access_token": raw, "expires_at": exp})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.RoleWorker), "Admin, Supervisor or Worker")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to server.access_ttl")
	return cmd
}

func parseRole(s string) (model.Role, error) {
	switch r := model.Role(s); r {
	case model.RoleAdmin, model.RoleSupervisor, model.RoleWorker:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
