// Package main provides the taskbatch binary entry point.
// Taskbatch expands the actions of a goal into concrete tasks by running
// batched LLM generation under a checkpointed execution state machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	// Register LLM providers via init()
	_ "github.com/c360studio/taskbatch/llm/providers"

	"github.com/c360studio/taskbatch/config"
	"github.com/c360studio/taskbatch/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskbatch"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Batched task generation for goal actions",
		Long: `Taskbatch turns the actions of a goal into concrete, ordered tasks.

Each execution validates its input, fetches the goal and action contexts,
partitions the actions into batches and generates tasks for every action
with bounded concurrency and retries. Partial failures are reported per
action rather than failing the whole execution.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file layered over the discovered configuration (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&flags), runCmd(&flags), configCmd(&flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func newLogger(level string, w io.Writer) *slog.Logger {
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// loadConfig runs the layered loader, then applies --config on top.
func loadConfig(flags *globalFlags, logger *slog.Logger) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(logger)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.configPath != "" {
		if err := cfg.ApplyFile(flags.configPath); err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid config %s: %w", flags.configPath, err)
		}
	}
	return loader, cfg, nil
}

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		mode     string
		addr     string
		embedded bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, os.Stderr)
			slog.SetDefault(logger)

			loader, cfg, err := loadConfig(flags, logger)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("embedded") {
				cfg.NATS.Embedded = embedded
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(cmd.Context(), loader, cfg, Mode(mode), logger)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(ModeInProcess), "Execution mode (in-process, broker)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides http.addr)")
	cmd.Flags().BoolVar(&embedded, "embedded", true, "Run an embedded NATS server")

	return cmd
}

func serve(parent context.Context, loader *config.Loader, cfg *config.Config, mode Mode, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting taskbatch", "version", Version, "mode", mode)

	app, err := NewApp(cfg, logger, WithMode(mode))
	if err != nil {
		return err
	}
	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if err := app.Start(ctx); err != nil {
		app.Shutdown(shutdownTimeout)
		return err
	}

	if path := loader.ProjectConfigPath(); path != "" {
		watcher, err := config.NewWatcher(loader, cfg, config.WatcherConfig{
			Path:     path,
			OnChange: app.Reconfigure,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config watcher unavailable", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	app.StartHTTP(cfg.HTTP.Addr)

	<-ctx.Done()
	app.Shutdown(shutdownTimeout)
	return nil
}

func runCmd(flags *globalFlags) *cobra.Command {
	var (
		goalID    string
		userID    string
		actionIDs []string
		fixtures  string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one execution synchronously and print its results",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, os.Stderr)
			slog.SetDefault(logger)

			_, cfg, err := loadConfig(flags, logger)
			if err != nil {
				return err
			}
			if fixtures != "" {
				cfg.Database.DSN = ""
				cfg.Database.Fixtures = fixtures
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			input := workflow.WorkflowInput{GoalID: goalID, UserID: userID, ActionIDs: actionIDs}
			return runOnce(ctx, cfg, input, logger, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&goalID, "goal", "", "Goal ID")
	cmd.Flags().StringVar(&userID, "user", "", "User ID")
	cmd.Flags().StringSliceVar(&actionIDs, "actions", nil, "Action IDs, comma separated")
	cmd.Flags().StringVar(&fixtures, "fixtures", "", "Fixture file for in-memory persistence")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Bound the whole run (0 uses the workflow timeout only)")

	return cmd
}

// runSummary is what the run command prints.
type runSummary struct {
	ExecutionID string                      `json:"execution_id"`
	Status      workflow.ExecutionStatus    `json:"status"`
	Results     *workflow.AggregatedResults `json:"results,omitempty"`
	Failure     *workflow.ErrorInfo         `json:"failure,omitempty"`
	Steps       []workflow.StateName        `json:"steps"`
}

func runOnce(ctx context.Context, cfg *config.Config, input workflow.WorkflowInput, logger *slog.Logger, out io.Writer, opts ...AppOption) error {
	app, err := NewApp(cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer app.Shutdown(cfg.HTTP.ShutdownTimeout)
	if err := app.Start(ctx); err != nil {
		return err
	}

	state, err := app.Run(ctx, input)
	if err != nil {
		return err
	}

	summary := runSummary{
		ExecutionID: state.Input.ExecutionID,
		Status:      state.Status,
		Results:     state.Results,
		Failure:     state.Failure,
	}
	for _, rec := range state.History {
		summary.Steps = append(summary.Steps, rec.State)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default user config if there is none",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, os.Stderr)
			return config.NewLoader(logger).EnsureUserConfig()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(flags.logLevel, os.Stderr)
			_, cfg, err := loadConfig(flags, logger)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	return cmd
}
