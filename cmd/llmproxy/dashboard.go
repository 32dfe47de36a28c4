package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/JettChenT/llmproxy-go/internal/config"
	"github.com/JettChenT/llmproxy-go/internal/dashboard"
	"github.com/JettChenT/llmproxy-go/internal/store"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Launch the read-only terminal dashboard against an existing database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			s, err := store.Open(cfg.Storage.DatabasePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			model := dashboard.New(s, cfg.Display.RefreshHz, cfg.Display.RecentEventsCapacity)
			program := tea.NewProgram(model)
			_, err = program.Run()
			return err
		},
	}
}
