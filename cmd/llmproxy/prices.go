package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/JettChenT/llmproxy-go/internal/config"
	"github.com/JettChenT/llmproxy-go/internal/store"
)

func newPricesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Administer the price table",
	}
	cmd.AddCommand(newPricesListCmd(), newPricesAddCmd(), newPricesUpdateCmd(), newPricesRemoveCmd())
	return cmd
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	s, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

func newPricesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all prices, ordered by model asc, effective_from desc",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			prices, err := s.ListPrices(context.Background())
			if err != nil {
				return fmt.Errorf("list prices: %w", err)
			}

			headerColor := lipgloss.AdaptiveColor{Light: "#5c4d9a", Dark: "#a78bfa"}
			borderColor := lipgloss.AdaptiveColor{Light: "#cbd5e1", Dark: "#475569"}
			headerStyle := lipgloss.NewStyle().Foreground(headerColor).Bold(true).Padding(0, 1)
			cellStyle := lipgloss.NewStyle().Padding(0, 1)

			var rows [][]string
			for _, p := range prices {
				cached := "–"
				if p.CachedPromptPer1M != nil {
					cached = fmt.Sprintf("%.2f", *p.CachedPromptPer1M)
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", p.ID), p.Model, p.EffectiveFrom, p.Currency,
					fmt.Sprintf("%.2f", p.PromptPer1M), cached, fmt.Sprintf("%.2f", p.CompletionPer1M),
				})
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
				Headers("ID", "MODEL", "EFFECTIVE FROM", "CCY", "PROMPT/1M", "CACHED/1M", "COMPLETION/1M").
				Rows(rows...)

			fmt.Println(t)
			return nil
		},
	}
}

func newPricesAddCmd() *cobra.Command {
	var model, effectiveFrom, currency string
	var prompt, completion, cached float64
	var hasCached bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Insert a new price row",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var cachedPtr *float64
			if hasCached {
				cachedPtr = &cached
			}
			id, err := s.InsertPrice(context.Background(), store.Price{
				Model: model, EffectiveFrom: effectiveFrom, Currency: currency,
				PromptPer1M: prompt, CachedPromptPer1M: cachedPtr, CompletionPer1M: completion,
			})
			if err != nil {
				return fmt.Errorf("insert price: %w", err)
			}
			fmt.Printf("inserted price id=%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "model prefix key")
	cmd.Flags().StringVar(&effectiveFrom, "effective-from", "", "calendar date, YYYY-MM-DD")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency code")
	cmd.Flags().Float64Var(&prompt, "prompt-per-1m", 0, "prompt rate per one million tokens")
	cmd.Flags().Float64Var(&completion, "completion-per-1m", 0, "completion rate per one million tokens")
	cmd.Flags().Float64Var(&cached, "cached-prompt-per-1m", 0, "cached prompt rate per one million tokens")
	cmd.Flags().BoolVar(&hasCached, "has-cached-rate", false, "set when --cached-prompt-per-1m should be applied")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("effective-from")
	return cmd
}

func newPricesUpdateCmd() *cobra.Command {
	var id int64
	var model, effectiveFrom, currency string
	var prompt, completion, cached float64
	var hasCached bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an existing price row by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			var cachedPtr *float64
			if hasCached {
				cachedPtr = &cached
			}
			if err := s.UpdatePrice(context.Background(), store.Price{
				ID: id, Model: model, EffectiveFrom: effectiveFrom, Currency: currency,
				PromptPer1M: prompt, CachedPromptPer1M: cachedPtr, CompletionPer1M: completion,
			}); err != nil {
				return fmt.Errorf("update price: %w", err)
			}
			fmt.Printf("updated price id=%d\n", id)
			return nil
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "price row id")
	cmd.Flags().StringVar(&model, "model", "", "model prefix key")
	cmd.Flags().StringVar(&effectiveFrom, "effective-from", "", "calendar date, YYYY-MM-DD")
	cmd.Flags().StringVar(&currency, "currency", "USD", "currency code")
	cmd.Flags().Float64Var(&prompt, "prompt-per-1m", 0, "prompt rate per one million tokens")
	cmd.Flags().Float64Var(&completion, "completion-per-1m", 0, "completion rate per one million tokens")
	cmd.Flags().Float64Var(&cached, "cached-prompt-per-1m", 0, "cached prompt rate per one million tokens")
	cmd.Flags().BoolVar(&hasCached, "has-cached-rate", false, "set when --cached-prompt-per-1m should be applied")
	cmd.MarkFlagRequired("id")
	return cmd
}

func newPricesRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a price row by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}

			s, err := openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeletePrice(context.Background(), id); err != nil {
				return fmt.Errorf("delete price: %w", err)
			}
			fmt.Printf("deleted price id=%d\n", id)
			return nil
		},
	}
	return cmd
}
