package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/JettChenT/llmproxy-go/internal/config"
	"github.com/JettChenT/llmproxy-go/internal/store"
)

func newCostCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Print aggregated cost and token totals from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCost(since)
		},
	}
	cmd.Flags().StringVar(&since, "since", "today", "one of: today, week, month, all")
	return cmd
}

func runCost(since string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	s, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	var start time.Time
	switch since {
	case "today":
		start = now
	case "week":
		start = now.AddDate(0, 0, -6)
	case "month":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case "all":
		start = time.Unix(0, 0).UTC()
	default:
		return fmt.Errorf("unknown --since value %q (want today, week, month, all)", since)
	}

	totals, err := s.TotalsBetween(ctx, start, now)
	if err != nil {
		return fmt.Errorf("query totals: %w", err)
	}

	headerColor := lipgloss.AdaptiveColor{Light: "#5c4d9a", Dark: "#a78bfa"}
	successColor := lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}
	borderColor := lipgloss.AdaptiveColor{Light: "#cbd5e1", Dark: "#475569"}

	headerStyle := lipgloss.NewStyle().Foreground(headerColor).Bold(true).Align(lipgloss.Center).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	totalStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)

	rows := [][]string{
		{"prompt", fmt.Sprintf("%d", totals.PromptTokens)},
		{"cached_prompt", fmt.Sprintf("%d", totals.CachedPromptTokens)},
		{"completion", fmt.Sprintf("%d", totals.CompletionTokens)},
		{"total", fmt.Sprintf("%d", totals.TotalTokens)},
		{"reasoning", fmt.Sprintf("%d", totals.ReasoningTokens)},
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("COUNTER", "VALUE").
		Rows(rows...)

	fmt.Println(t)

	costLabel := "cost_usd"
	costValue := "– (missing price data)"
	if totals.CostUSD != nil {
		costValue = fmt.Sprintf("$%.4f", *totals.CostUSD)
	}
	fmt.Println(totalStyle.Render(fmt.Sprintf("%s: %s", costLabel, costValue)))

	return nil
}
