package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"transfer-engine/pkg/app"
	"transfer-engine/pkg/config"
	"transfer-engine/pkg/logging"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "transferd",
		Short:         "Transfer orchestration engine for recurring rent and one-off payouts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env TRANSFER_* overrides it)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(runDueCmd(&configPath))
	rootCmd.AddCommand(retryCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API, the gRPC health server and the daily scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.Logger.Info("starting transfer engine",
				zap.String("version", Version),
				zap.String("http", a.Config.HTTP.Addr),
				zap.Bool("grpc", a.Config.GRPC.Enabled),
				zap.Bool("scheduler", a.Config.Scheduler.Enabled))

			if err := a.Serve(ctx); err != nil {
				return err
			}
			a.Logger.Info("transfer engine stopped")
			return nil
		},
	}
}

func runDueCmd(configPath *string) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "run-due",
		Short: "Run the recurring transfers due on a date once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			day := time.Now().In(a.Location)
			if date != "" {
				day, err = time.ParseInLocation(time.DateOnly, date, a.Location)
				if err != nil {
					return fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
				}
			}

			summary, err := a.Runner.RunDueTransfers(ctx, day)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, summary); err != nil {
				return err
			}
			if summary.Unknown > 0 {
				return fmt.Errorf("%d transfers need reconciliation", summary.Unknown)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&date, "date", "d", "", "Billing date YYYY-MM-DD (default: today in the scheduler timezone)")

	return cmd
}

func retryCmd(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "retry [operation-key]",
		Short: "Resubmit an operation key from its latest ledger row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Orchestrator.Resubmit(ctx, args[0], force)
			if result != nil {
				if perr := printJSON(cmd, result); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Retry even if the latest attempt is UNKNOWN")

	return cmd
}

func reconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [operation-key]",
		Short: "Ask the bank for the outcome of an UNKNOWN operation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Orchestrator.Reconcile(ctx, args[0])
			if result != nil {
				if perr := printJSON(cmd, result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration to path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	})

	return cmd
}

// bootstrap loads the config, installs the global logger and wires the app.
func bootstrap(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	return app.New(ctx, cfg, app.WithLogger(logger))
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
