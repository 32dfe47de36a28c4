// Package store is the embedded relational store (C1): schema, typed
// queries, and the price-join views that back cost reporting.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a pooled connection to a single SQLite file database. All
// write operations are safe under concurrent callers, but the usage
// aggregator is the only intended writer for event_log/daily_stats (see
// internal/usage).
type Store struct {
	db *sql.DB
}

// Open connects to (creating if missing) the database at path, enables WAL
// journaling, and bounds the connection pool to 5 as required by the
// concurrency model.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL journaling: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for callers (e.g. tests that inspect tables
// directly) that need access outside this package's typed queries.
func (s *Store) DB() *sql.DB { return s.db }

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// EnsureSchema idempotently creates event_log, daily_stats, prices, their
// indices, and the two priced views, migrating legacy columns first.
// Migration failures are fatal to preserve data integrity (spec.md §7).
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ensureEventLogSchema(ctx); err != nil {
		return fmt.Errorf("ensure event_log schema: %w", err)
	}
	if err := s.ensureDailyStatsSchema(ctx); err != nil {
		return fmt.Errorf("ensure daily_stats schema: %w", err)
	}
	if err := s.ensurePricesSchema(ctx); err != nil {
		return fmt.Errorf("ensure prices schema: %w", err)
	}
	if err := s.ensureCostViews(ctx); err != nil {
		return fmt.Errorf("ensure cost views: %w", err)
	}
	return nil
}

func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ensureEventLogSchema(ctx context.Context) error {
	exists, err := tableExists(ctx, s.db, "event_log")
	if err != nil {
		return err
	}
	if exists {
		legacy, err := tableHasColumn(ctx, s.db, "event_log", "cost_usd")
		if err != nil {
			return err
		}
		if legacy {
			if err := s.migrateLegacyEventLog(ctx); err != nil {
				return err
			}
		}
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	title TEXT,
	summary TEXT,
	conversation_id TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	usage_included INTEGER NOT NULL DEFAULT 0
)`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_event_log_conversation_timestamp ON event_log(conversation_id, timestamp)`)
	return err
}

// migrateLegacyEventLog renames the obsolete table, recreates the current
// schema, copies forward the columns still meaningful today, and drops the
// legacy copy. Dropping the stored cost_usd is intentional: cost is always
// recomputed by the views from prices, never persisted (spec.md §9).
func (s *Store) migrateLegacyEventLog(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE event_log RENAME TO event_log_legacy`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
CREATE TABLE event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	title TEXT,
	summary TEXT,
	conversation_id TEXT,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	usage_included INTEGER NOT NULL DEFAULT 0
)`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO event_log (timestamp, model, title, summary, conversation_id,
	prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens,
	reasoning_tokens, usage_included)
SELECT timestamp, model, title, summary, conversation_id,
	prompt_tokens, cached_prompt_tokens, completion_tokens, total_tokens,
	reasoning_tokens, usage_included
FROM event_log_legacy`)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE event_log_legacy`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ensureDailyStatsSchema(ctx context.Context) error {
	exists, err := tableExists(ctx, s.db, "daily_stats")
	if err != nil {
		return err
	}
	if exists {
		legacy, err := tableHasColumn(ctx, s.db, "daily_stats", "cost_usd")
		if err != nil {
			return err
		}
		if legacy {
			if err := s.migrateLegacyDailyStats(ctx); err != nil {
				return err
			}
		}
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS daily_stats (
	date TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, model)
)`)
	return err
}

func (s *Store) migrateLegacyDailyStats(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `ALTER TABLE daily_stats RENAME TO daily_stats_legacy`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
CREATE TABLE daily_stats (
	date TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	cached_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, model)
)`)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO daily_stats (date, model, prompt_tokens, cached_prompt_tokens,
	completion_tokens, total_tokens, reasoning_tokens)
SELECT date, model, prompt_tokens, cached_prompt_tokens, completion_tokens,
	total_tokens, reasoning_tokens
FROM daily_stats_legacy`)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE daily_stats_legacy`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ensurePricesSchema(ctx context.Context) error {
	exists, err := tableExists(ctx, s.db, "prices")
	if err != nil {
		return err
	}
	if exists {
		legacy, err := tableHasColumn(ctx, s.db, "prices", "prompt_per_1k")
		if err != nil {
			return err
		}
		if legacy {
			// Destructive on purpose: per-1K pricing rows cannot be
			// reinterpreted automatically (spec.md §4.5).
			if _, err := s.db.ExecContext(ctx, `DROP TABLE prices`); err != nil {
				return err
			}
		}
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS prices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	effective_from TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	prompt_per_1m REAL NOT NULL,
	cached_prompt_per_1m REAL,
	completion_per_1m REAL NOT NULL,
	UNIQUE(model, effective_from)
)`)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_prices_model ON prices(model)`); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_prices_effective_from ON prices(effective_from)`)
	return err
}

// ensureCostViews (re)creates event_costs and daily_stats_costs: each joins
// raw counters against the best-matching price row using the longest
// model-prefix, latest-effective-date tie-break rule from spec.md §3.
func (s *Store) ensureCostViews(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DROP VIEW IF EXISTS event_costs`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DROP VIEW IF EXISTS daily_stats_costs`); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
CREATE VIEW event_costs AS
WITH matches AS (
	SELECT e.rowid AS event_id, p.prompt_per_1m, p.cached_prompt_per_1m, p.completion_per_1m,
		ROW_NUMBER() OVER (
			PARTITION BY e.rowid
			ORDER BY LENGTH(p.model) DESC, p.effective_from DESC
		) AS rn
	FROM event_log e
	LEFT JOIN prices p ON e.model LIKE p.model || '%' AND p.effective_from <= date(e.timestamp)
),
best_prices AS (
	SELECT event_id, prompt_per_1m, cached_prompt_per_1m, completion_per_1m
	FROM matches WHERE rn = 1
),
priced AS (
	SELECT e.*, b.prompt_per_1m, b.cached_prompt_per_1m, b.completion_per_1m
	FROM event_log e
	LEFT JOIN best_prices b ON b.event_id = e.rowid
)
SELECT *,
	CASE WHEN prompt_per_1m IS NULL OR completion_per_1m IS NULL THEN NULL
	ELSE ((prompt_tokens - CASE WHEN cached_prompt_tokens > prompt_tokens THEN prompt_tokens ELSE cached_prompt_tokens END) * prompt_per_1m
		+ (CASE WHEN cached_prompt_tokens > prompt_tokens THEN prompt_tokens ELSE cached_prompt_tokens END) * COALESCE(cached_prompt_per_1m, prompt_per_1m)
		+ completion_tokens * completion_per_1m) / 1000000.0
	END AS cost_usd,
	CASE WHEN (prompt_tokens + cached_prompt_tokens + completion_tokens) > 0 AND (prompt_per_1m IS NULL OR completion_per_1m IS NULL) THEN 1 ELSE 0 END AS missing_price
FROM priced`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
CREATE VIEW daily_stats_costs AS
WITH matches AS (
	SELECT d.rowid AS stat_id, p.prompt_per_1m, p.cached_prompt_per_1m, p.completion_per_1m,
		ROW_NUMBER() OVER (
			PARTITION BY d.rowid
			ORDER BY LENGTH(p.model) DESC, p.effective_from DESC
		) AS rn
	FROM daily_stats d
	LEFT JOIN prices p ON d.model LIKE p.model || '%' AND p.effective_from <= d.date
),
best_prices AS (
	SELECT stat_id, prompt_per_1m, cached_prompt_per_1m, completion_per_1m
	FROM matches WHERE rn = 1
),
priced AS (
	SELECT d.*, b.prompt_per_1m, b.cached_prompt_per_1m, b.completion_per_1m
	FROM daily_stats d
	LEFT JOIN best_prices b ON b.stat_id = d.rowid
)
SELECT *,
	CASE WHEN prompt_per_1m IS NULL OR completion_per_1m IS NULL THEN NULL
	ELSE ((prompt_tokens - CASE WHEN cached_prompt_tokens > prompt_tokens THEN prompt_tokens ELSE cached_prompt_tokens END) * prompt_per_1m
		+ (CASE WHEN cached_prompt_tokens > prompt_tokens THEN prompt_tokens ELSE cached_prompt_tokens END) * COALESCE(cached_prompt_per_1m, prompt_per_1m)
		+ completion_tokens * completion_per_1m) / 1000000.0
	END AS cost_usd,
	CASE WHEN (prompt_tokens + cached_prompt_tokens + completion_tokens) > 0 AND (prompt_per_1m IS NULL OR completion_per_1m IS NULL) THEN 1 ELSE 0 END AS missing_price
FROM priced`)
	return err
}
