package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/developingchet/adgate/internal/config"
	"github.com/developingchet/adgate/internal/logger"
	"github.com/developingchet/adgate/internal/observability"
	"github.com/developingchet/adgate/internal/opener"
	"github.com/developingchet/adgate/internal/popunder"
	"github.com/developingchet/adgate/internal/server"
	"github.com/developingchet/adgate/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "adgate",
		Short:         "Popunder frequency gate and premium suppression service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		checkCmd(),
		openCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gate daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg, os.Stderr)
	log.Info().Str("version", Version).
		Bool("popunder_enabled", cfg.Popunder.Enabled).
		Bool("popunder_url_set", cfg.Popunder.HasURL()).
		Int("max_per_day", cfg.Popunder.MaxPerDay).
		Float64("min_interval_minutes", cfg.Popunder.MinIntervalMinutes).
		Msg("adgate starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.TracingEnabled {
		shutdown, err := observability.Init(ctx, os.Stdout, Version)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown")
			}
		}()
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	server.BinaryVersion = Version
	srv, err := server.New(cfg, store, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}

// checkCmd prints the gate decision for a client without recording anything.
func checkCmd() *cobra.Command {
	var clientID, userID string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the gate decision for a client and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg, os.Stderr)

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			d := buildGate(cfg, store, clientID, userID, log).Evaluate()
			fmt.Fprintf(cmd.OutOrStdout(), "open=%t reason=%s recent=%d\n", d.Allowed, d.Reason, d.Recent)
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "browser client id")
	cmd.Flags().StringVar(&userID, "user", "", "signed-in user id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// openCmd fires the trigger once against a real browser.
func openCmd() *cobra.Command {
	var clientID, userID string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a popunder in a local browser if the gate allows it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg, os.Stderr)

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			gate := buildGate(cfg, store, clientID, userID, log)
			if !gate.ShouldOpen() {
				fmt.Fprintf(cmd.OutOrStdout(), "not opened: %s\n", gate.Evaluate().Reason)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			o, err := opener.NewRod(ctx, opener.Config{
				ControlURL: cfg.BrowserControlURL,
				Headless:   cfg.BrowserHeadless,
			}, log)
			if err != nil {
				return err
			}
			defer o.Close()

			if popunder.NewTrigger(gate, o, log).Fire() {
				fmt.Fprintln(cmd.OutOrStdout(), "opened")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not opened: window blocked")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "browser client id")
	cmd.Flags().StringVar(&userID, "user", "", "signed-in user id")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthHost(cfg.HealthAddr) + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "adgate %s\n", Version)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return storage.Open(ctx, storage.OpenConfig{
		Backend: cfg.StorageBackend,
		DataDir: cfg.DataDir,
		Redis: storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		},
	})
}

func buildGate(cfg *config.Config, store storage.Store, clientID, userID string, log zerolog.Logger) *popunder.Gate {
	history := popunder.NewHistoryStore(store.History(clientID), log)
	return popunder.NewGate(cfg.Popunder, server.PremiumProvider(store, userID, log), history, log)
}

// healthHost turns a listen address such as ":8081" into a dialable host.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(out)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(out)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
