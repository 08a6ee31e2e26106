package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cycletime-ingest/internal/config"
	"cycletime-ingest/internal/crypto"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	configPath string
	verbose    bool

	cfg     *config.Config
	logger  *slog.Logger
	cleanup = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "cycletime-ingest",
	Short: "Manufacturing cycle-time ingestion pipeline",
	Long: `cycletime-ingest loads machine cycle-time records from per-machine CSV drop
files and a paginated REST API into a relational store, idempotently.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			return err
		}
		level := config.ParseLevel(cfg.Logging.Level)
		if verbose {
			level = slog.LevelDebug
		}
		logger, cleanup = config.SetupLogger(cfg.Logging.File, level)
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := cleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scan the drop tree and poll the API once, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		// a failed scan is reported in the summary; only configuration errors change the exit code
		summary, err := app.RunOnce(cmd.Context(), TriggerManual)
		if err != nil {
			logger.Error("run failed", "error", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run continuously: startup scan, directory watch and cron triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()
		return app.Serve(cmd.Context())
	},
}

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show row counts, recent runs and recent batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = closeDB(db) }()
		return printStatus(cmd.Context(), store, cmd.OutOrStdout(), statusLimit)
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the API secret",
}

var credentialsUser string

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the API secret (read from stdin) in the OS keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		if err := crypto.SetSecret(credentialsUser, secret); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "secret stored in keychain")
		return nil
	},
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the API secret from the OS keychain",
	RunE: func(cmd *cobra.Command, args []string) error {
		return crypto.DeleteSecret(credentialsUser)
	},
}

var credentialsEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt the API secret (read from stdin) for api.token_enc",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		cipher, err := crypto.LoadCipher(os.LookupEnv, true)
		if err != nil {
			return err
		}
		enc, err := cipher.Encrypt(secret)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), enc)
		return nil
	},
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("empty secret on stdin")
	}
	return secret, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.toml or .yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "rows per table")
	credentialsCmd.PersistentFlags().StringVarP(&credentialsUser, "user", "u", "", "keychain account suffix (api username)")

	credentialsCmd.AddCommand(credentialsSetCmd, credentialsDeleteCmd, credentialsEncryptCmd)
	rootCmd.AddCommand(runCmd, serveCmd, statusCmd, credentialsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var fatal *config.FatalConfigurationError
		if errors.As(err, &fatal) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}
