// Package dashboard implements the read-only terminal dashboard: a
// summary pane of today/week/month/trailing-12-month totals and a recent-
// events table. Grounded on the teacher's tui.go/styles.go bubbletea
// program structure, sharply trimmed (no request inspector, search, tape
// playback, or image preview — this dashboard only renders store
// aggregates) and on original_source/src/tui.rs's draw_ui/SummaryStats
// for the period table content.
package dashboard

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/JettChenT/llmproxy-go/internal/store"
)

var (
	primaryColor = lipgloss.Color("#00D9FF")
	dimColor     = lipgloss.Color("#6B7280")
	borderColor  = lipgloss.Color("#334155")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	helpStyle   = lipgloss.NewStyle().Foreground(dimColor)
	tableStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(borderColor).Padding(0, 1)
)

// SummaryStats holds the four rolling-window totals shown in the top
// pane, gathered the same way original_source's SummaryStats::gather
// does (today, trailing 7 days, month-to-date, trailing 365 days).
type SummaryStats struct {
	Today store.AggregateTotals
	Week  store.AggregateTotals
	Month store.AggregateTotals
	Year  store.AggregateTotals
}

// GatherSummaryStats queries the four windows anchored on "today" (UTC).
func GatherSummaryStats(ctx context.Context, s *store.Store, today time.Time) (SummaryStats, error) {
	today = today.UTC()
	weekStart := today.AddDate(0, 0, -6)
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	yearStart := today.AddDate(0, 0, -365)

	todayTotals, err := s.TotalsBetween(ctx, today, today)
	if err != nil {
		return SummaryStats{}, err
	}
	weekTotals, err := s.TotalsBetween(ctx, weekStart, today)
	if err != nil {
		return SummaryStats{}, err
	}
	monthTotals, err := s.TotalsBetween(ctx, monthStart, today)
	if err != nil {
		return SummaryStats{}, err
	}
	yearTotals, err := s.TotalsBetween(ctx, yearStart, today)
	if err != nil {
		return SummaryStats{}, err
	}

	return SummaryStats{Today: todayTotals, Week: weekTotals, Month: monthTotals, Year: yearTotals}, nil
}

// FormatTokens renders a token count using K/M suffixes, matching
// original_source's format_tokens.
func FormatTokens(value uint64) string {
	switch {
	case value >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(value)/1_000_000)
	case value >= 1_000:
		return fmt.Sprintf("%.1fK", float64(value)/1_000)
	default:
		return fmt.Sprintf("%d", value)
	}
}

// FormatCost renders a cost, or "–" when unknown (missing price).
func FormatCost(cost *float64) string {
	if cost == nil {
		return "–"
	}
	return fmt.Sprintf("$%.4f", *cost)
}

// Model is the bubbletea model driving the dashboard.
type Model struct {
	store        *store.Store
	recentLimit  int
	refreshEvery time.Duration

	stats  SummaryStats
	recent []store.EventRow
	err    error
	ready  bool
}

// New builds a dashboard model. refreshHz controls the redraw/poll rate
// (spec.md §6 display.refresh_hz); recentCapacity bounds the recent-
// events window (display.recent_events_capacity).
func New(s *store.Store, refreshHz, recentCapacity int) Model {
	if refreshHz < 1 {
		refreshHz = 1
	}
	return Model{
		store:        s,
		recentLimit:  recentCapacity,
		refreshEvery: time.Second / time.Duration(refreshHz),
	}
}

type tickMsg time.Time

type dataMsg struct {
	stats  SummaryStats
	recent []store.EventRow
	err    error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		stats, err := GatherSummaryStats(ctx, m.store, time.Now())
		if err != nil {
			return dataMsg{err: err}
		}
		recent, err := m.store.RecentEvents(ctx, m.recentLimit)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{stats: stats, recent: recent}
	}
}

// Update implements tea.Model. Quit on 'q' or Ctrl+C, matching the
// teacher's quit bindings and original_source's tui.rs key handling.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case dataMsg:
		m.ready = true
		m.err = msg.err
		if msg.err == nil {
			m.stats = msg.stats
			m.recent = msg.recent
		}
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return titleStyle.Render("llmproxy dashboard") + "\nloading...\n"
	}
	if m.err != nil {
		return titleStyle.Render("llmproxy dashboard") + "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("#F87171")).Render(m.err.Error()) + "\n"
	}

	var b fmtBuilder
	b.writeLine(titleStyle.Render("llmproxy dashboard"))
	b.writeLine(tableStyle.Render(renderSummaryTable(m.stats)))
	b.writeLine(tableStyle.Render(renderRecentTable(m.recent)))
	b.writeLine(helpStyle.Render("press 'q' to quit"))
	return b.String()
}

func renderSummaryTable(s SummaryStats) string {
	header := headerStyle.Render(padRow("Period", 14) + padRow("Tokens", 12) + "Cost (USD)")
	rows := []string{
		padRow("Today", 14) + padRow(FormatTokens(s.Today.TotalTokens), 12) + FormatCost(s.Today.CostUSD),
		padRow("This Week", 14) + padRow(FormatTokens(s.Week.TotalTokens), 12) + FormatCost(s.Week.CostUSD),
		padRow("This Month", 14) + padRow(FormatTokens(s.Month.TotalTokens), 12) + FormatCost(s.Month.CostUSD),
		padRow("Trailing 12M", 14) + padRow(FormatTokens(s.Year.TotalTokens), 12) + FormatCost(s.Year.CostUSD),
	}
	out := header
	for _, r := range rows {
		out += "\n" + r
	}
	return out
}

func renderRecentTable(rows []store.EventRow) string {
	header := headerStyle.Render(padRow("Time", 10) + padRow("Model", 20) + padRow("Prompt", 10) + padRow("Completion", 12) + "Cost")
	if len(rows) == 0 {
		return header + "\nno recent requests"
	}
	out := header
	for _, r := range rows {
		out += "\n" + padRow(r.Timestamp.Format("15:04:05"), 10) + padRow(r.Model, 20) +
			padRow(FormatTokens(r.PromptTokens), 10) + padRow(FormatTokens(r.CompletionTokens), 12) + FormatCost(r.CostUSD)
	}
	return out
}

func padRow(s string, width int) string {
	if len(s) >= width {
		return s[:width]
	}
	return s + spaces(width-len(s))
}

func spaces(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

type fmtBuilder struct {
	parts []string
}

func (b *fmtBuilder) writeLine(s string) {
	b.parts = append(b.parts, s)
}

func (b *fmtBuilder) String() string {
	out := ""
	for _, p := range b.parts {
		out += p + "\n"
	}
	return out
}
