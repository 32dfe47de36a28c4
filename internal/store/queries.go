package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Event is one forwarded request's usage record, as written by the
// aggregator (C2) into event_log.
type Event struct {
	Timestamp          time.Time
	Model              string
	Title              *string
	Summary            *string
	ConversationID     *string
	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64
	UsageIncluded      bool
}

// RecordEvent inserts a single row into event_log. Plain insert: events are
// append-only (spec.md §3).
func (s *Store) RecordEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO event_log (timestamp, model, title, summary, conversation_id,
	prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens,
	reasoning_tokens, usage_included)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTimestamp(e.Timestamp), e.Model, e.Title, e.Summary, e.ConversationID,
		e.PromptTokens, e.CachedPromptTokens, e.CompletionTokens, e.TotalTokens,
		e.ReasoningTokens, boolToInt(e.UsageIncluded))
	return err
}

// RecordDailyStat additively upserts the (date, model) rollup row.
func (s *Store) RecordDailyStat(ctx context.Context, date time.Time, model string,
	promptTokens, cachedPromptTokens, completionTokens, totalTokens, reasoningTokens uint64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO daily_stats (date, model, prompt_tokens, cached_prompt_tokens,
	completion_tokens, total_tokens, reasoning_tokens)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(date, model) DO UPDATE SET
	prompt_tokens = prompt_tokens + excluded.prompt_tokens,
	cached_prompt_tokens = cached_prompt_tokens + excluded.cached_prompt_tokens,
	completion_tokens = completion_tokens + excluded.completion_tokens,
	total_tokens = total_tokens + excluded.total_tokens,
	reasoning_tokens = reasoning_tokens + excluded.reasoning_tokens`,
		formatDate(date), model, promptTokens, cachedPromptTokens, completionTokens,
		totalTokens, reasoningTokens)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Price is one row of the administratively-maintained price table.
type Price struct {
	ID                 int64
	Model              string
	EffectiveFrom      string // YYYY-MM-DD
	Currency           string
	PromptPer1M        float64
	CachedPromptPer1M  *float64
	CompletionPer1M    float64
}

// SeedPricesIfEmpty inserts prices only when the table currently has zero
// rows, so a restart never clobbers administratively-entered data.
func (s *Store) SeedPricesIfEmpty(ctx context.Context, prices []Price) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM prices`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return tx.Commit()
	}

	for _, p := range prices {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO prices (model, effective_from, currency, prompt_per_1m, cached_prompt_per_1m, completion_per_1m)
VALUES (?, ?, ?, ?, ?, ?)`,
			p.Model, p.EffectiveFrom, p.Currency, p.PromptPer1M, p.CachedPromptPer1M, p.CompletionPer1M); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertPrice adds a new price row.
func (s *Store) InsertPrice(ctx context.Context, p Price) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO prices (model, effective_from, currency, prompt_per_1m, cached_prompt_per_1m, completion_per_1m)
VALUES (?, ?, ?, ?, ?, ?)`,
		p.Model, p.EffectiveFrom, p.Currency, p.PromptPer1M, p.CachedPromptPer1M, p.CompletionPer1M)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdatePrice overwrites an existing price row by id.
func (s *Store) UpdatePrice(ctx context.Context, p Price) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE prices SET model = ?, effective_from = ?, currency = ?,
	prompt_per_1m = ?, cached_prompt_per_1m = ?, completion_per_1m = ?
WHERE id = ?`,
		p.Model, p.EffectiveFrom, p.Currency, p.PromptPer1M, p.CachedPromptPer1M, p.CompletionPer1M, p.ID)
	return err
}

// DeletePrice removes a price row by id.
func (s *Store) DeletePrice(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM prices WHERE id = ?`, id)
	return err
}

// ListPrices returns all prices ordered by model ascending, then by
// effective_from descending (most recent first within a model).
func (s *Store) ListPrices(ctx context.Context) ([]Price, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, model, effective_from, currency, prompt_per_1m, cached_prompt_per_1m, completion_per_1m
FROM prices ORDER BY model ASC, effective_from DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Price
	for rows.Next() {
		var p Price
		if err := rows.Scan(&p.ID, &p.Model, &p.EffectiveFrom, &p.Currency,
			&p.PromptPer1M, &p.CachedPromptPer1M, &p.CompletionPer1M); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AggregateTotals sums token counters across a set of rows; CostUSD is nil
// iff any constituent row was missing its price (spec.md §4.5).
type AggregateTotals struct {
	PromptTokens       uint64
	CachedPromptTokens uint64
	CompletionTokens   uint64
	TotalTokens        uint64
	ReasoningTokens    uint64
	CostUSD            *float64
}

func scanTotals(row *sql.Row) (AggregateTotals, error) {
	var t AggregateTotals
	var cost sql.NullFloat64
	var missing sql.NullInt64
	err := row.Scan(&t.PromptTokens, &t.CachedPromptTokens, &t.CompletionTokens,
		&t.TotalTokens, &t.ReasoningTokens, &cost, &missing)
	if err == sql.ErrNoRows {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if missing.Valid && missing.Int64 > 0 {
		return t, nil
	}
	if cost.Valid {
		v := cost.Float64
		t.CostUSD = &v
	}
	return t, nil
}

const totalsSelect = `
SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(cached_prompt_tokens),0),
	COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0), COALESCE(SUM(reasoning_tokens),0),
	SUM(CASE WHEN missing_price = 1 THEN NULL ELSE cost_usd END),
	COALESCE(SUM(missing_price),0)
FROM event_costs WHERE usage_included = 1 AND date(timestamp) BETWEEN ? AND ?`

// TotalsBetween sums event_costs for all usage-bearing events whose date
// falls within [d1, d2] inclusive; events with usage_included = 0 add
// nothing.
func (s *Store) TotalsBetween(ctx context.Context, d1, d2 time.Time) (AggregateTotals, error) {
	row := s.db.QueryRowContext(ctx, totalsSelect, formatDate(d1), formatDate(d2))
	return scanTotals(row)
}

// TotalsSince sums event_costs for all usage-bearing events at or after ts.
func (s *Store) TotalsSince(ctx context.Context, ts time.Time) (AggregateTotals, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(cached_prompt_tokens),0),
	COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0), COALESCE(SUM(reasoning_tokens),0),
	SUM(CASE WHEN missing_price = 1 THEN NULL ELSE cost_usd END),
	COALESCE(SUM(missing_price),0)
FROM event_costs WHERE usage_included = 1 AND timestamp >= ?`, formatTimestamp(ts))
	return scanTotals(row)
}

// UnlabeledConversationID is the sentinel bucket grouping events whose
// conversation_id is NULL, reported only when requested.
const UnlabeledConversationID = "__unlabeled__"

// ConversationAggregate is one row of TopConversationsBetween: lifetime
// token/cost sums for a conversation, alongside the earliest title and
// latest summary seen for it across all time.
type ConversationAggregate struct {
	ConversationID string
	AggregateTotals
	FirstTitle  *string
	LastSummary *string
}

// TopConversationsBetween ranks conversations by the cost (then prompt
// tokens) accumulated within [start, end], but reports lifetime aggregates
// for the winners (spec.md §4.5 "Top-conversations semantics").
func (s *Store) TopConversationsBetween(ctx context.Context, start, end time.Time, limit int, includeUnlabeled bool) ([]ConversationAggregate, error) {
	includeFlag := boolToInt(includeUnlabeled)
	query := `
WITH all_events AS (
	SELECT
		COALESCE(conversation_id, '__unlabeled__') AS conv_key,
		timestamp, title, summary,
		prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens, reasoning_tokens,
		cost_usd, missing_price
	FROM event_costs
),
filtered_keys AS (
	SELECT DISTINCT conv_key FROM all_events
	WHERE date(timestamp) BETWEEN ? AND ?
	  AND (? = 1 OR conv_key <> '__unlabeled__')
),
period_stats AS (
	SELECT conv_key,
		SUM(CASE WHEN missing_price = 1 THEN 0 ELSE cost_usd END) AS period_cost,
		SUM(prompt_tokens) AS period_prompt_tokens
	FROM all_events
	WHERE date(timestamp) BETWEEN ? AND ?
	  AND conv_key IN (SELECT conv_key FROM filtered_keys)
	GROUP BY conv_key
),
aggregates AS (
	SELECT conv_key,
		SUM(prompt_tokens) AS prompt_tokens,
		SUM(cached_prompt_tokens) AS cached_prompt_tokens,
		SUM(completion_tokens) AS completion_tokens,
		SUM(total_tokens) AS total_tokens,
		SUM(reasoning_tokens) AS reasoning_tokens,
		SUM(CASE WHEN missing_price = 1 THEN 0 ELSE cost_usd END) AS cost_usd,
		MAX(missing_price) AS missing_price
	FROM all_events
	WHERE conv_key IN (SELECT conv_key FROM filtered_keys)
	GROUP BY conv_key
),
first_titles AS (
	SELECT conv_key, title FROM (
		SELECT conv_key, title,
			ROW_NUMBER() OVER (PARTITION BY conv_key ORDER BY timestamp ASC) AS rn
		FROM all_events
		WHERE title IS NOT NULL AND title <> '' AND conv_key IN (SELECT conv_key FROM filtered_keys)
	) WHERE rn = 1
),
last_summaries AS (
	SELECT conv_key, summary FROM (
		SELECT conv_key, summary,
			ROW_NUMBER() OVER (PARTITION BY conv_key ORDER BY timestamp DESC) AS rn
		FROM all_events
		WHERE summary IS NOT NULL AND summary <> '' AND conv_key IN (SELECT conv_key FROM filtered_keys)
	) WHERE rn = 1
)
SELECT ps.conv_key,
	a.prompt_tokens, a.cached_prompt_tokens, a.completion_tokens, a.total_tokens, a.reasoning_tokens,
	a.cost_usd, a.missing_price, ft.title, ls.summary
FROM period_stats ps
JOIN aggregates a ON a.conv_key = ps.conv_key
LEFT JOIN first_titles ft ON ft.conv_key = ps.conv_key
LEFT JOIN last_summaries ls ON ls.conv_key = ps.conv_key
ORDER BY ps.period_cost DESC, ps.period_prompt_tokens DESC
LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		formatDate(start), formatDate(end), includeFlag,
		formatDate(start), formatDate(end),
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationAggregate
	for rows.Next() {
		var c ConversationAggregate
		var cost sql.NullFloat64
		var missing sql.NullInt64
		if err := rows.Scan(&c.ConversationID, &c.PromptTokens, &c.CachedPromptTokens,
			&c.CompletionTokens, &c.TotalTokens, &c.ReasoningTokens, &cost, &missing,
			&c.FirstTitle, &c.LastSummary); err != nil {
			return nil, err
		}
		if !(missing.Valid && missing.Int64 > 0) && cost.Valid {
			v := cost.Float64
			c.CostUSD = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationTotalsForRange aggregates a single conversation's events
// whose date falls within [start, end]; pass UnlabeledConversationID for
// the unlabeled bucket.
func (s *Store) ConversationTotalsForRange(ctx context.Context, conversationID string, start, end time.Time) (AggregateTotals, error) {
	var row *sql.Row
	if conversationID == UnlabeledConversationID {
		row = s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(cached_prompt_tokens),0),
	COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0), COALESCE(SUM(reasoning_tokens),0),
	SUM(CASE WHEN missing_price = 1 THEN NULL ELSE cost_usd END), COALESCE(SUM(missing_price),0)
FROM event_costs
WHERE conversation_id IS NULL AND date(timestamp) BETWEEN ? AND ?`,
			formatDate(start), formatDate(end))
	} else {
		row = s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(cached_prompt_tokens),0),
	COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0), COALESCE(SUM(reasoning_tokens),0),
	SUM(CASE WHEN missing_price = 1 THEN NULL ELSE cost_usd END), COALESCE(SUM(missing_price),0)
FROM event_costs
WHERE conversation_id = ? AND date(timestamp) BETWEEN ? AND ?`,
			conversationID, formatDate(start), formatDate(end))
	}
	return scanTotals(row)
}

// ConversationTurn is one event within a conversation, numbered in
// chronological order starting at 1.
type ConversationTurn struct {
	TurnIndex        int
	Timestamp        time.Time
	Model            string
	Title            *string
	Summary          *string
	PromptTokens     uint64
	CompletionTokens uint64
	CostUSD          *float64
}

// ConversationTurns returns up to limit turns for conversationID ordered by
// timestamp ascending, numbered from 1.
func (s *Store) ConversationTurns(ctx context.Context, conversationID string, limit int) ([]ConversationTurn, error) {
	var rows *sql.Rows
	var err error
	query := `
SELECT timestamp, model, title, summary, prompt_tokens, completion_tokens, cost_usd, missing_price
FROM event_costs WHERE %s ORDER BY timestamp ASC LIMIT ?`

	if conversationID == UnlabeledConversationID {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, "conversation_id IS NULL"), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, "conversation_id = ?"), conversationID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationTurn
	idx := 0
	for rows.Next() {
		idx++
		var turn ConversationTurn
		var ts string
		var cost sql.NullFloat64
		var missing sql.NullInt64
		if err := rows.Scan(&ts, &turn.Model, &turn.Title, &turn.Summary,
			&turn.PromptTokens, &turn.CompletionTokens, &cost, &missing); err != nil {
			return nil, err
		}
		turn.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, err
		}
		if !(missing.Valid && missing.Int64 > 0) && cost.Valid {
			v := cost.Float64
			turn.CostUSD = &v
		}
		turn.TurnIndex = idx
		out = append(out, turn)
	}
	return out, rows.Err()
}

// HourlyTotals is one hour-of-day bucket from HourlyUsageForDay.
type HourlyTotals struct {
	Hour string // "00".."23"
	AggregateTotals
}

// HourlyUsageForDay groups a single day's events by hour-of-day.
func (s *Store) HourlyUsageForDay(ctx context.Context, day time.Time) ([]HourlyTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT strftime('%H', timestamp) AS hour,
	COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(cached_prompt_tokens),0),
	COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0), COALESCE(SUM(reasoning_tokens),0),
	SUM(CASE WHEN missing_price = 1 THEN NULL ELSE cost_usd END), COALESCE(SUM(missing_price),0)
FROM event_costs WHERE date(timestamp) = ?
GROUP BY hour ORDER BY hour ASC`, formatDate(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyTotals
	for rows.Next() {
		var h HourlyTotals
		var cost sql.NullFloat64
		var missing sql.NullInt64
		if err := rows.Scan(&h.Hour, &h.PromptTokens, &h.CachedPromptTokens,
			&h.CompletionTokens, &h.TotalTokens, &h.ReasoningTokens, &cost, &missing); err != nil {
			return nil, err
		}
		if !(missing.Valid && missing.Int64 > 0) && cost.Valid {
			v := cost.Float64
			h.CostUSD = &v
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// EventRow is a single recent_events result.
type EventRow struct {
	Event
	CostUSD      *float64
	MissingPrice bool
}

// RecentEvents returns the most recent events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT timestamp, model, title, summary, conversation_id,
	prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens, reasoning_tokens,
	usage_included, cost_usd, missing_price
FROM event_costs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRow
	for rows.Next() {
		var e EventRow
		var ts string
		var usageIncluded, missing int
		var cost sql.NullFloat64
		if err := rows.Scan(&ts, &e.Model, &e.Title, &e.Summary, &e.ConversationID,
			&e.PromptTokens, &e.CachedPromptTokens, &e.CompletionTokens, &e.TotalTokens,
			&e.ReasoningTokens, &usageIncluded, &cost, &missing); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, err
		}
		e.UsageIncluded = usageIncluded != 0
		e.MissingPrice = missing != 0
		if !e.MissingPrice && cost.Valid {
			v := cost.Float64
			e.CostUSD = &v
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DailyStatRow is a single recent_daily_stats result.
type DailyStatRow struct {
	Date  string
	Model string
	AggregateTotals
}

// RecentDailyStats returns the most recently-dated rollups, newest first.
func (s *Store) RecentDailyStats(ctx context.Context, limit int) ([]DailyStatRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT date, model, prompt_tokens, cached_prompt_tokens, completion_tokens,
	total_tokens, reasoning_tokens, cost_usd, missing_price
FROM daily_stats_costs ORDER BY date DESC, model ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyStatRow
	for rows.Next() {
		var d DailyStatRow
		var cost sql.NullFloat64
		var missing sql.NullInt64
		if err := rows.Scan(&d.Date, &d.Model, &d.PromptTokens, &d.CachedPromptTokens,
			&d.CompletionTokens, &d.TotalTokens, &d.ReasoningTokens, &cost, &missing); err != nil {
			return nil, err
		}
		if !(missing.Valid && missing.Int64 > 0) && cost.Valid {
			v := cost.Float64
			d.CostUSD = &v
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MissingPriceRow names a model with events that have no matching price.
type MissingPriceRow struct {
	Model      string
	EventCount int64
}

// MissingPriceModels lists models whose events carry tokens but have no
// resolvable price, most affected first.
func (s *Store) MissingPriceModels(ctx context.Context, limit int) ([]MissingPriceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model, COUNT(*) AS event_count
FROM event_costs WHERE missing_price = 1
GROUP BY model ORDER BY event_count DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MissingPriceRow
	for rows.Next() {
		var m MissingPriceRow
		if err := rows.Scan(&m.Model, &m.EventCount); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TruncateEventData deletes all event_log and daily_stats rows (but never
// prices) for the --rebuild CLI flag (SPEC_FULL.md §8).
func (s *Store) TruncateEventData(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_log`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_stats`); err != nil {
		return err
	}
	return tx.Commit()
}
