package persistence

import (
	"database/sql"
	"fmt"
)

// migration is one forward-only, idempotent schema step (spec.md §4.1,
// §6.4). Steps are applied in slice order inside their own transaction.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS meta (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS instrument (
				ticker TEXT PRIMARY KEY,
				company_name TEXT,
				sector TEXT,
				industry TEXT,
				instrument_type TEXT NOT NULL DEFAULT 'stock',
				currency TEXT,
				exchange TEXT,
				style_category TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS strategy_run (
				run_id TEXT PRIMARY KEY,
				strategy_code TEXT NOT NULL,
				strategy_version INTEGER NOT NULL,
				params_hash TEXT NOT NULL,
				params_blob TEXT NOT NULL,
				started_at TEXT NOT NULL,
				completed_at TEXT,
				universe_source TEXT NOT NULL,
				universe_size INTEGER NOT NULL,
				min_score REAL NOT NULL,
				exit_status TEXT NOT NULL,
				error_message TEXT,
				duration_ms INTEGER,
				execution_status TEXT NOT NULL,
				current_ticker TEXT,
				progress_percent INTEGER NOT NULL DEFAULT 0,
				processed_count INTEGER NOT NULL DEFAULT 0,
				total_count INTEGER NOT NULL,
				last_progress_update TEXT,
				cancel_requested INTEGER NOT NULL DEFAULT 0,
				passed_count INTEGER,
				pass_rate REAL,
				avg_score REAL,
				max_score REAL,
				min_score_actual REAL,
				score_buckets TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS strategy_result (
				run_id TEXT NOT NULL REFERENCES strategy_run(run_id) ON DELETE CASCADE,
				ticker TEXT NOT NULL,
				passed INTEGER NOT NULL,
				score REAL NOT NULL,
				classification TEXT NOT NULL,
				reasons TEXT NOT NULL,
				metrics TEXT NOT NULL,
				created_at TEXT NOT NULL,
				processing_time_ms INTEGER,
				error_message TEXT,
				PRIMARY KEY (run_id, ticker)
			)`,
			`CREATE TABLE IF NOT EXISTS execution_progress (
				run_id TEXT NOT NULL REFERENCES strategy_run(run_id) ON DELETE CASCADE,
				ticker TEXT NOT NULL,
				sequence_number INTEGER NOT NULL,
				processed_at TEXT NOT NULL,
				passed INTEGER NOT NULL,
				score REAL NOT NULL,
				classification TEXT NOT NULL,
				error_message TEXT,
				processing_time_ms INTEGER,
				PRIMARY KEY (run_id, ticker)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_strategy_run_code_started
				ON strategy_run(strategy_code, started_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_strategy_result_run_id ON strategy_result(run_id)`,
			`CREATE INDEX IF NOT EXISTS idx_strategy_result_score ON strategy_result(score)`,
			`CREATE INDEX IF NOT EXISTS idx_strategy_result_ticker ON strategy_result(ticker)`,
			`CREATE INDEX IF NOT EXISTS idx_execution_progress_run_seq
				ON execution_progress(run_id, sequence_number)`,
		},
	},
}

// Migrate applies every migration whose version exceeds the stored
// schema_version, each inside its own transaction (spec.md §4.1/§6.4:
// forward-only, idempotent, numeric schema_version in a meta table).
func (db *DB) Migrate() error {
	if _, err := db.conn.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("bootstrap meta table: %w", err)
	}

	current, err := db.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (db *DB) schemaVersion() (int, error) {
	var raw sql.NullString
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows || !raw.Valid {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(raw.String, "%d", &version); err != nil {
		return 0, fmt.Errorf("parse schema_version %q: %w", raw.String, err)
	}
	return version, nil
}

func (db *DB) applyMigration(m migration) error {
	return WithTransaction(db.conn, func(tx *sql.Tx) error {
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statement failed: %w", err)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO meta(key, value) VALUES('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", m.version),
		)
		return err
	})
}
