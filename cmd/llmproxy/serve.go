package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JettChenT/llmproxy-go/internal/config"
	"github.com/JettChenT/llmproxy-go/internal/dashboard"
	"github.com/JettChenT/llmproxy-go/internal/store"
	"github.com/JettChenT/llmproxy-go/internal/supervisor"
	"github.com/JettChenT/llmproxy-go/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var rebuild bool
	var withDashboard bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeWithOptions(rebuild, withDashboard)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "delete all event_log and daily_stats rows (prices are kept) before starting")
	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "run the interactive dashboard in-process; its quit key shuts the proxy down")
	return cmd
}

func runServe(rebuild bool) error {
	return runServeWithOptions(rebuild, false)
}

func runServeWithOptions(rebuild, withDashboard bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if rebuild {
		if err := rebuildEventData(cfg.Storage.DatabasePath); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}

	logger, closeLog, err := telemetry.New(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer closeLog()

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	fmt.Printf("%s listening on %s, forwarding to %s\n",
		color.New(color.Bold).Sprint("llmproxy"),
		color.New(color.FgCyan).Sprint(cfg.Server.ListenAddr),
		color.New(color.FgGreen).Sprint(cfg.Server.UpstreamBaseURL),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !withDashboard {
		return sup.Run(ctx)
	}
	return runServeWithDashboard(ctx, cancel, sup, cfg)
}

// runServeWithDashboard mirrors original_source/src/app.rs's App::run:
// the dashboard and proxy share one process, and the dashboard's quit key
// is itself a shutdown trigger alongside SIGTERM/SIGINT (spec.md §6).
func runServeWithDashboard(ctx context.Context, cancel context.CancelFunc, sup *supervisor.Supervisor, cfg *config.Config) error {
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()

	model := dashboard.New(sup.Store, cfg.Display.RefreshHz, cfg.Display.RecentEventsCapacity)
	program := tea.NewProgram(model)
	_, tuiErr := program.Run()

	cancel()
	runErr := <-runErrCh

	if tuiErr != nil {
		return fmt.Errorf("dashboard: %w", tuiErr)
	}
	return runErr
}

// rebuildEventData truncates event_log/daily_stats (never prices) per
// SPEC_FULL.md §8, leaving the administratively-entered price table intact.
func rebuildEventData(databasePath string) error {
	s, err := store.Open(databasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	if err := s.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return s.TruncateEventData(context.Background())
}
