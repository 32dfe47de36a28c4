package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "usage.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse time %q: %v", value, err)
	}
	return ts
}

func strp(s string) *string { return &s }
func f64p(f float64) *float64 { return &f }

func TestBasicAggregationAndCost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SeedPricesIfEmpty(ctx, []Price{
		{Model: "gpt-4.1", EffectiveFrom: "2025-01-01", Currency: "USD", PromptPer1M: 2.0, CachedPromptPer1M: f64p(0.5), CompletionPer1M: 8.0},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	day1 := mustTime(t, "2025-01-10T12:00:00Z")
	day2 := mustTime(t, "2025-01-11T12:00:00Z")

	events := []Event{
		{Timestamp: day1, Model: "gpt-4.1", PromptTokens: 1000, CachedPromptTokens: 200, CompletionTokens: 500, TotalTokens: 1500, UsageIncluded: true},
		{Timestamp: day2, Model: "gpt-4.1", PromptTokens: 2000, CachedPromptTokens: 0, CompletionTokens: 1000, TotalTokens: 3000, UsageIncluded: true},
	}
	for _, e := range events {
		if err := s.RecordEvent(ctx, e); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
		if e.UsageIncluded {
			if err := s.RecordDailyStat(ctx, e.Timestamp, e.Model, e.PromptTokens, e.CachedPromptTokens, e.CompletionTokens, e.TotalTokens, e.ReasoningTokens); err != nil {
				t.Fatalf("RecordDailyStat: %v", err)
			}
		}
	}

	totals, err := s.TotalsBetween(ctx, day1, day2)
	if err != nil {
		t.Fatalf("TotalsBetween: %v", err)
	}
	if totals.PromptTokens != 3000 || totals.CompletionTokens != 1500 {
		t.Fatalf("unexpected totals: %+v", totals)
	}
	if totals.CostUSD == nil {
		t.Fatal("expected cost, got nil")
	}
	// event1: (800*2 + 200*0.5 + 500*8)/1e6 = (1600+100+4000)/1e6 = 0.0057
	// event2: (2000*2 + 0 + 1000*8)/1e6 = (4000+8000)/1e6 = 0.012
	want := 0.0057 + 0.012
	if diff := *totals.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", *totals.CostUSD, want)
	}
}

func TestLongestPrefixLatestDatePriceJoin(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	prices := []Price{
		{Model: "gpt-5", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1},
		{Model: "gpt-5.2", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1},
		{Model: "gpt-5.2", EffectiveFrom: "2025-02-01", PromptPer1M: 10, CompletionPer1M: 20},
	}
	if err := s.SeedPricesIfEmpty(ctx, prices); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts := mustTime(t, "2025-02-15T00:00:00Z")
	event := Event{Timestamp: ts, Model: "gpt-5.2-2025-11-01", PromptTokens: 100000, CompletionTokens: 100000, TotalTokens: 200000, UsageIncluded: true}
	if err := s.RecordEvent(ctx, event); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	totals, err := s.TotalsBetween(ctx, ts, ts)
	if err != nil {
		t.Fatalf("TotalsBetween: %v", err)
	}
	if totals.CostUSD == nil {
		t.Fatal("expected cost, got nil (price not matched)")
	}
	// (100000*10 + 100000*20)/1e6 = 3.0
	want := 3.0
	if diff := *totals.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", *totals.CostUSD, want)
	}
}

func TestMissingPriceSurfacesNullCost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts := mustTime(t, "2025-03-01T00:00:00Z")
	if err := s.RecordEvent(ctx, Event{Timestamp: ts, Model: "totally-unpriced", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, UsageIncluded: true}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	totals, err := s.TotalsBetween(ctx, ts, ts)
	if err != nil {
		t.Fatalf("TotalsBetween: %v", err)
	}
	if totals.CostUSD != nil {
		t.Fatalf("expected nil cost, got %v", *totals.CostUSD)
	}

	missing, err := s.MissingPriceModels(ctx, 10)
	if err != nil {
		t.Fatalf("MissingPriceModels: %v", err)
	}
	if len(missing) != 1 || missing[0].Model != "totally-unpriced" {
		t.Fatalf("unexpected missing-price rows: %+v", missing)
	}
}

func TestUsageExcludedEventsDontCountTowardTotals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ts := mustTime(t, "2025-03-05T00:00:00Z")
	if err := s.SeedPricesIfEmpty(ctx, []Price{{Model: "m", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// usage_included=false: logged but not rolled up into daily_stats.
	if err := s.RecordEvent(ctx, Event{Timestamp: ts, Model: "m", PromptTokens: 999, CompletionTokens: 999, UsageIncluded: false}); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_stats`).Scan(&count); err != nil {
		t.Fatalf("count daily_stats: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no daily_stats rows, got %d", count)
	}

	totals, err := s.TotalsBetween(ctx, ts, ts)
	if err != nil {
		t.Fatalf("TotalsBetween: %v", err)
	}
	if totals.PromptTokens != 0 || totals.CompletionTokens != 0 {
		t.Fatalf("expected usage-excluded event to add nothing to totals, got %+v", totals)
	}
}

func TestTopConversationsOrderingAndLifetimeSemantics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.SeedPricesIfEmpty(ctx, []Price{{Model: "m", EffectiveFrom: "2025-01-01", PromptPer1M: 1, CompletionPer1M: 1}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	windowStart := mustTime(t, "2025-04-10T00:00:00Z")
	windowEnd := mustTime(t, "2025-04-12T00:00:00Z")

	// Conversation A: one big event well before the window (counts toward
	// lifetime totals but not toward in-window ranking).
	aOutOfWindow := mustTime(t, "2025-04-01T00:00:00Z")
	if err := s.RecordEvent(ctx, Event{
		Timestamp: aOutOfWindow, Model: "m", ConversationID: strp("conv-a"),
		Title: strp("earliest A"), Summary: strp("summary A"),
		PromptTokens: 100000, CompletionTokens: 100000, TotalTokens: 200000, UsageIncluded: true,
	}); err != nil {
		t.Fatalf("RecordEvent A: %v", err)
	}

	// Conversation B: the only conversation with in-window activity.
	bInWindowEarly := mustTime(t, "2025-04-10T03:00:00Z")
	bInWindowLate := mustTime(t, "2025-04-11T03:00:00Z")
	if err := s.RecordEvent(ctx, Event{
		Timestamp: bInWindowEarly, Model: "m", ConversationID: strp("conv-b"),
		Title: strp("earliest B"), Summary: strp("summary B early"),
		PromptTokens: 500, CompletionTokens: 500, TotalTokens: 1000, UsageIncluded: true,
	}); err != nil {
		t.Fatalf("RecordEvent B1: %v", err)
	}
	if err := s.RecordEvent(ctx, Event{
		Timestamp: bInWindowLate, Model: "m", ConversationID: strp("conv-b"),
		Title: strp("later B"), Summary: strp("summary B late"),
		PromptTokens: 500000, CompletionTokens: 500000, TotalTokens: 1000000, UsageIncluded: true,
	}); err != nil {
		t.Fatalf("RecordEvent B2: %v", err)
	}

	results, err := s.TopConversationsBetween(ctx, windowStart, windowEnd, 5, false)
	if err != nil {
		t.Fatalf("TopConversationsBetween: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected only conv-b to have in-window activity, got %d rows: %+v", len(results), results)
	}
	if results[0].ConversationID != "conv-b" {
		t.Fatalf("expected conv-b first, got %s", results[0].ConversationID)
	}
	if results[0].FirstTitle == nil || *results[0].FirstTitle != "earliest B" {
		t.Fatalf("expected first_title = earliest B, got %v", results[0].FirstTitle)
	}
	if results[0].LastSummary == nil || *results[0].LastSummary != "summary B late" {
		t.Fatalf("expected last_summary = summary B late, got %v", results[0].LastSummary)
	}
	// Lifetime tokens: both B events (1000 + 1000000), not just in-window.
	if results[0].TotalTokens != 1000+1000000 {
		t.Fatalf("expected lifetime total tokens, got %d", results[0].TotalTokens)
	}

	// Widen the window to include conv-a's event too and confirm both
	// conversations are then reported.
	wideStart := mustTime(t, "2025-04-01T00:00:00Z")
	wideResults, err := s.TopConversationsBetween(ctx, wideStart, windowEnd, 5, false)
	if err != nil {
		t.Fatalf("TopConversationsBetween wide: %v", err)
	}
	if len(wideResults) != 2 {
		t.Fatalf("expected both conversations, got %d", len(wideResults))
	}
}

func TestConversationTurnsOrderingAndIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t1 := mustTime(t, "2025-05-01T00:00:00Z")
	t2 := mustTime(t, "2025-05-01T01:00:00Z")
	t3 := mustTime(t, "2025-05-01T02:00:00Z")
	for _, ts := range []time.Time{t2, t1, t3} {
		if err := s.RecordEvent(ctx, Event{Timestamp: ts, Model: "m", ConversationID: strp("conv-x"), UsageIncluded: true}); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}

	turns, err := s.ConversationTurns(ctx, "conv-x", 10)
	if err != nil {
		t.Fatalf("ConversationTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnIndex != i+1 {
			t.Fatalf("turn %d has index %d", i, turn.TurnIndex)
		}
	}
	if !turns[0].Timestamp.Equal(t1) || !turns[2].Timestamp.Equal(t3) {
		t.Fatalf("turns not in ascending timestamp order: %+v", turns)
	}
}

func TestRecentEventsOrderedNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	older := mustTime(t, "2025-06-01T00:00:00Z")
	newer := mustTime(t, "2025-06-02T00:00:00Z")
	if err := s.RecordEvent(ctx, Event{Timestamp: older, Model: "m"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordEvent(ctx, Event{Timestamp: newer, Model: "m"}); err != nil {
		t.Fatal(err)
	}

	recent, err := s.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(recent) != 2 || !recent[0].Timestamp.Equal(newer) {
		t.Fatalf("expected newest first: %+v", recent)
	}
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema call failed: %v", err)
	}
}

func TestOpenCreatesFileIfMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "usage.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.EnsureSchema(ctx()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}
}

func ctx() context.Context { return context.Background() }
