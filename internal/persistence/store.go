package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/screenerengine/internal/domain"
)

// Store is the repository over the run/result/progress/instrument schema
// (C1), following the teacher's *Repository-over-*sql.DB shape
// (internal/modules/universe.ScoreRepository).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore wraps an opened DB.
func NewStore(db *DB) *Store {
	return &Store{db: db.Conn(), log: db.log.With().Str("component", "store").Logger()}
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertInstrument creates or refreshes instrument metadata (spec.md §3.1,
// §4.1 "create/upsert instrument").
func (s *Store) UpsertInstrument(ctx context.Context, inst domain.Instrument) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instrument(ticker, company_name, sector, industry, instrument_type, currency, exchange, style_category, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			company_name = excluded.company_name,
			sector = excluded.sector,
			industry = excluded.industry,
			instrument_type = excluded.instrument_type,
			currency = excluded.currency,
			exchange = excluded.exchange,
			style_category = excluded.style_category,
			updated_at = excluded.updated_at
	`, inst.Ticker, inst.CompanyName, inst.Sector, inst.Industry, string(inst.InstrumentType),
		inst.Currency, inst.Exchange, inst.StyleCategory, now, now)
	if err != nil {
		return domain.PersistenceError("upsert_instrument", err)
	}
	return nil
}

// GetInstrumentSectors looks up sector by ticker for the given tickers, for
// enrichment callers (e.g. the report assembler's sector distribution);
// GetRunResults does not return instrument metadata.
func (s *Store) GetInstrumentSectors(ctx context.Context, tickers []string) (map[string]string, error) {
	out := make(map[string]string, len(tickers))
	if len(tickers) == 0 {
		return out, nil
	}
	placeholders := strings.Repeat("?,", len(tickers))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(tickers))
	for i, t := range tickers {
		args[i] = t
	}
	rows, err := s.db.QueryContext(ctx, `SELECT ticker, sector FROM instrument WHERE ticker IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, domain.PersistenceError("get_instrument_sectors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ticker string
		var sector sql.NullString
		if err := rows.Scan(&ticker, &sector); err != nil {
			return nil, domain.PersistenceError("get_instrument_sectors_scan", err)
		}
		if sector.Valid {
			out[ticker] = sector.String
		}
	}
	return out, rows.Err()
}

// CreateRun inserts a StrategyRun row at admission, atomic with its initial
// progress fields (spec.md §4.1, §4.7 step 5): exit_status=pending,
// processed_count=0, total_count=len(tickers).
func (s *Store) CreateRun(ctx context.Context, run domain.StrategyRun) error {
	err := WithTransaction(s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_run(
				run_id, strategy_code, strategy_version, params_hash, params_blob,
				started_at, universe_source, universe_size, min_score, exit_status,
				execution_status, progress_percent, processed_count, total_count
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.RunID, run.StrategyCode, run.StrategyVersion, run.ParamsHash, run.ParamsBlob,
			formatTime(run.StartedAt), run.UniverseSource, run.UniverseSize, run.MinScore,
			string(domain.ExitPending), string(domain.ExitPending), 0, 0, run.TotalCount)
		return err
	})
	if err != nil {
		return domain.PersistenceError("create_run", err)
	}
	return nil
}

// TransitionToRunning marks run_id as running and stamps the observable
// execution_status (spec.md §4.7 main-loop step 1).
func (s *Store) TransitionToRunning(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategy_run SET exit_status = ?, execution_status = ?
		WHERE run_id = ? AND exit_status = ?
	`, string(domain.ExitRunning), string(domain.ExitRunning), runID, string(domain.ExitPending))
	if err != nil {
		return domain.PersistenceError("transition_to_running", err)
	}
	return nil
}

// AppendTickerResult writes a TickerResult and its ExecutionProgress mirror
// as a single logical write (spec.md §3.1 ExecutionProgress lifecycle, §4.1
// "append ticker result + progress"), then updates the run's progress
// counters atomically in the same transaction.
func (s *Store) AppendTickerResult(ctx context.Context, result domain.TickerResult, progress domain.ExecutionProgress, totalCount int) error {
	metricsJSON, err := json.Marshal(marshalMetrics(result.Metrics))
	if err != nil {
		return domain.PersistenceError("marshal_metrics", err)
	}
	reasonsJSON, err := json.Marshal(result.Reasons)
	if err != nil {
		return domain.PersistenceError("marshal_reasons", err)
	}

	err = WithTransaction(s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_result(run_id, ticker, passed, score, classification, reasons, metrics, created_at, processing_time_ms, error_message)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, result.RunID, result.Ticker, boolToInt(result.Passed), result.Score, string(result.Classification),
			string(reasonsJSON), string(metricsJSON), formatTime(result.CreatedAt), result.ProcessingTimeMS, result.ErrorMessage); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO execution_progress(run_id, ticker, sequence_number, processed_at, passed, score, classification, error_message, processing_time_ms)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, progress.RunID, progress.Ticker, progress.SequenceNumber, formatTime(progress.ProcessedAt),
			boolToInt(progress.Passed), progress.Score, string(progress.Classification), progress.ErrorMessage, progress.ProcessingTimeMS); err != nil {
			return err
		}

		processed := progress.SequenceNumber
		percent := 0
		if totalCount > 0 {
			percent = int(math.Round(100 * float64(processed) / float64(totalCount)))
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE strategy_run
			SET current_ticker = ?, processed_count = ?, progress_percent = ?, last_progress_update = ?
			WHERE run_id = ?
		`, progress.Ticker, processed, percent, formatTime(progress.ProcessedAt), result.RunID)
		return err
	})
	if err != nil {
		return domain.PersistenceError("append_ticker_result", err)
	}
	return nil
}

// IsCancelRequested reports the durable cancel flag for a run (spec.md §4.7
// cancellation semantics).
func (s *Store) IsCancelRequested(ctx context.Context, runID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM strategy_run WHERE run_id = ?`, runID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, domain.NotFound("run", runID)
	}
	if err != nil {
		return false, domain.PersistenceError("is_cancel_requested", err)
	}
	return flag != 0, nil
}

// RequestCancel sets the durable cancel flag; idempotent (spec.md §6.1
// "cancel(run_id) -> ok ... idempotent; no-op on terminal").
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_run SET cancel_requested = 1
		WHERE run_id = ? AND exit_status IN (?, ?)
	`, runID, string(domain.ExitPending), string(domain.ExitRunning))
	if err != nil {
		return domain.PersistenceError("request_cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already terminal (no-op, spec-compliant) or run doesn't exist.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM strategy_run WHERE run_id = ?`, runID).Scan(&exists); err == sql.ErrNoRows {
			return domain.NotFound("run", runID)
		}
	}
	return nil
}

// FinalizeRun sets completed_at/exit_status/duration_ms and the computed
// completion summary (spec.md §4.7 "Completion summary"). A terminal run is
// immutable thereafter (I6); this is the last write to the row.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status domain.ExitStatus, errMsg *string, summary *domain.RunSummary, completedAt time.Time, durationMS int64) error {
	var bucketsJSON sql.NullString
	var passRate, avgScore, maxScore, minScoreActual sql.NullFloat64
	var passedCountInt sql.NullInt64
	if summary != nil {
		b, err := json.Marshal(summary.ScoreBuckets)
		if err != nil {
			return domain.PersistenceError("marshal_score_buckets", err)
		}
		bucketsJSON = sql.NullString{String: string(b), Valid: true}
		passedCountInt = sql.NullInt64{Int64: int64(summary.PassedCount), Valid: true}
		passRate = sql.NullFloat64{Float64: summary.PassRate, Valid: true}
		avgScore = sql.NullFloat64{Float64: summary.AvgScore, Valid: true}
		maxScore = sql.NullFloat64{Float64: summary.MaxScore, Valid: true}
		minScoreActual = sql.NullFloat64{Float64: summary.MinScoreActual, Valid: true}
	}

	// progress_percent is derived from processed_count/total_count rather
	// than hardcoded to 100 (I4): a run that exits early via cancel/timeout/
	// error has processed_count < total_count and must report less than
	// full progress.
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategy_run
		SET exit_status = ?, execution_status = ?, completed_at = ?, duration_ms = ?, error_message = ?,
		    passed_count = ?, pass_rate = ?, avg_score = ?, max_score = ?, min_score_actual = ?, score_buckets = ?,
		    progress_percent = COALESCE(CAST(ROUND(100.0 * processed_count / NULLIF(total_count, 0)) AS INTEGER), 0)
		WHERE run_id = ? AND exit_status IN (?, ?)
	`, string(status), string(status), formatTime(completedAt), durationMS, errMsg,
		passedCountInt, passRate, avgScore, maxScore, minScoreActual, bucketsJSON,
		runID, string(domain.ExitPending), string(domain.ExitRunning))
	if err != nil {
		return domain.PersistenceError("finalize_run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize run %q: run is missing or already terminal", runID)
	}
	return nil
}

// GetRun fetches a single run's full row (spec.md §4.8 get_run_detail base).
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.StrategyRun, error) {
	row := s.db.QueryRowContext(ctx, runSelectColumns+` FROM strategy_run WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("run", runID)
	}
	if err != nil {
		return nil, domain.PersistenceError("get_run", err)
	}
	return run, nil
}

const runSelectColumns = `SELECT
	run_id, strategy_code, strategy_version, params_hash, params_blob, started_at, completed_at,
	universe_source, universe_size, min_score, exit_status, error_message, duration_ms,
	execution_status, current_ticker, progress_percent, processed_count, total_count, last_progress_update,
	passed_count, pass_rate, avg_score, max_score, min_score_actual, score_buckets`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.StrategyRun, error) {
	var run domain.StrategyRun
	var startedAt string
	var completedAt, lastProgress sql.NullString
	var errMsg sql.NullString
	var durationMS sql.NullInt64
	var currentTicker sql.NullString
	var exitStatus, execStatus string
	var passedCount sql.NullInt64
	var passRate, avgScore, maxScore, minScoreActual sql.NullFloat64
	var bucketsJSON sql.NullString

	if err := row.Scan(
		&run.RunID, &run.StrategyCode, &run.StrategyVersion, &run.ParamsHash, &run.ParamsBlob,
		&startedAt, &completedAt, &run.UniverseSource, &run.UniverseSize, &run.MinScore,
		&exitStatus, &errMsg, &durationMS,
		&execStatus, &currentTicker, &run.ProgressPercent, &run.ProcessedCount, &run.TotalCount, &lastProgress,
		&passedCount, &passRate, &avgScore, &maxScore, &minScoreActual, &bucketsJSON,
	); err != nil {
		return nil, err
	}

	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = t
	run.ExitStatus = domain.ExitStatus(exitStatus)
	run.ExecutionStatus = domain.ExitStatus(execStatus)

	if completedAt.Valid {
		ct, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		run.CompletedAt = &ct
	}
	if lastProgress.Valid {
		lt, err := parseTime(lastProgress.String)
		if err != nil {
			return nil, err
		}
		run.LastProgressUpdate = &lt
	}
	if errMsg.Valid {
		run.ErrorMessage = &errMsg.String
	}
	if durationMS.Valid {
		run.DurationMS = &durationMS.Int64
	}
	if currentTicker.Valid {
		run.CurrentTicker = &currentTicker.String
	}

	if passedCount.Valid {
		summary := &domain.RunSummary{
			PassedCount:    int(passedCount.Int64),
			PassRate:       passRate.Float64,
			AvgScore:       avgScore.Float64,
			MaxScore:       maxScore.Float64,
			MinScoreActual: minScoreActual.Float64,
		}
		if bucketsJSON.Valid {
			buckets := make(map[string]int)
			if err := json.Unmarshal([]byte(bucketsJSON.String), &buckets); err == nil {
				summary.ScoreBuckets = buckets
			}
		}
		run.Summary = summary
	}

	return &run, nil
}

// ListRunsFilter narrows list_runs (spec.md §4.8).
type ListRunsFilter struct {
	StrategyCode *string
	Status       *domain.ExitStatus
	StartedAfter *time.Time
	StartedBefore *time.Time
	OrderBy      string // "started_at" (default) or "strategy_code"
	Desc         bool
	Limit        int
	Offset       int
}

// ListRuns returns a filtered, ordered page of runs (spec.md §4.8
// list_runs). Limit is clamped to 100.
func (s *Store) ListRuns(ctx context.Context, filter ListRunsFilter) ([]domain.StrategyRun, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var where []string
	var args []any
	if filter.StrategyCode != nil {
		where = append(where, "strategy_code = ?")
		args = append(args, *filter.StrategyCode)
	}
	if filter.Status != nil {
		where = append(where, "exit_status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.StartedAfter != nil {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(*filter.StartedAfter))
	}
	if filter.StartedBefore != nil {
		where = append(where, "started_at <= ?")
		args = append(args, formatTime(*filter.StartedBefore))
	}

	orderCol := "started_at"
	if filter.OrderBy == "strategy_code" {
		orderCol = "strategy_code"
	}
	dir := "ASC"
	if filter.Desc {
		dir = "DESC"
	}

	query := runSelectColumns + ` FROM strategy_run`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", orderCol, dir)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.PersistenceError("list_runs", err)
	}
	defer rows.Close()

	var out []domain.StrategyRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, domain.PersistenceError("list_runs_scan", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// GetLatestByStrategy returns, per distinct strategy_code, the most recent
// `limit` runs (spec.md §4.8 get_latest_by_strategy; SPEC_FULL.md
// supplemented feature 1 — a real grouped query, not a name-only stub).
func (s *Store) GetLatestByStrategy(ctx context.Context, limit int) (map[string][]domain.StrategyRun, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT strategy_code FROM strategy_run`)
	if err != nil {
		return nil, domain.PersistenceError("get_latest_by_strategy_codes", err)
	}
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			rows.Close()
			return nil, domain.PersistenceError("get_latest_by_strategy_scan_code", err)
		}
		codes = append(codes, code)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError("get_latest_by_strategy_codes", err)
	}

	out := make(map[string][]domain.StrategyRun, len(codes))
	for _, code := range codes {
		code := code
		runs, err := s.ListRuns(ctx, ListRunsFilter{StrategyCode: &code, OrderBy: "started_at", Desc: true, Limit: limit})
		if err != nil {
			return nil, err
		}
		out[code] = runs
	}
	return out, nil
}

// ResultsFilter narrows get_run_results (spec.md §4.8).
type ResultsFilter struct {
	Passed         *bool
	MinScore       *float64
	MaxScore       *float64
	Classification *string
	Ticker         *string
	Sector         *string
	OrderBy        string // "score" (default) | "ticker" | "created_at"
	Desc           bool
	Limit          int
	Offset         int
}

// GetRunResults returns a filtered, ordered page of TickerResults for a run
// (spec.md §4.8 get_run_results). The instrument table is joined only to
// apply the Sector filter; the returned rows carry no instrument metadata.
// Limit is clamped to 500.
func (s *Store) GetRunResults(ctx context.Context, runID string, filter ResultsFilter) ([]domain.TickerResult, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	where := []string{"r.run_id = ?"}
	args := []any{runID}
	if filter.Passed != nil {
		where = append(where, "r.passed = ?")
		args = append(args, boolToInt(*filter.Passed))
	}
	if filter.MinScore != nil {
		where = append(where, "r.score >= ?")
		args = append(args, *filter.MinScore)
	}
	if filter.MaxScore != nil {
		where = append(where, "r.score <= ?")
		args = append(args, *filter.MaxScore)
	}
	if filter.Classification != nil {
		where = append(where, "r.classification = ?")
		args = append(args, *filter.Classification)
	}
	if filter.Ticker != nil {
		where = append(where, "r.ticker = ?")
		args = append(args, *filter.Ticker)
	}
	if filter.Sector != nil {
		where = append(where, "i.sector = ?")
		args = append(args, *filter.Sector)
	}

	orderCol := "r.score"
	switch filter.OrderBy {
	case "ticker":
		orderCol = "r.ticker"
	case "created_at":
		orderCol = "r.created_at"
	}
	dir := "DESC"
	if !filter.Desc {
		dir = "ASC"
	}

	query := `
		SELECT r.run_id, r.ticker, r.passed, r.score, r.classification, r.reasons, r.metrics,
		       r.created_at, r.processing_time_ms, r.error_message
		FROM strategy_result r
		LEFT JOIN instrument i ON i.ticker = r.ticker
		WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(" ORDER BY %s %s LIMIT ? OFFSET ?", orderCol, dir)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.PersistenceError("get_run_results", err)
	}
	defer rows.Close()

	var out []domain.TickerResult
	for rows.Next() {
		var tr domain.TickerResult
		var passed int
		var classification, createdAt, reasonsJSON, metricsJSON string
		var processingTimeMS sql.NullInt64
		var errMsg sql.NullString

		if err := rows.Scan(&tr.RunID, &tr.Ticker, &passed, &tr.Score, &classification, &reasonsJSON, &metricsJSON,
			&createdAt, &processingTimeMS, &errMsg); err != nil {
			return nil, domain.PersistenceError("get_run_results_scan", err)
		}
		tr.Passed = passed != 0
		tr.Classification = domain.Classification(classification)
		ct, err := parseTime(createdAt)
		if err != nil {
			return nil, domain.PersistenceError("get_run_results_parse_time", err)
		}
		tr.CreatedAt = ct
		if err := json.Unmarshal([]byte(reasonsJSON), &tr.Reasons); err != nil {
			return nil, domain.PersistenceError("get_run_results_unmarshal_reasons", err)
		}
		var rawMetrics map[string]json.RawMessage
		if err := json.Unmarshal([]byte(metricsJSON), &rawMetrics); err != nil {
			return nil, domain.PersistenceError("get_run_results_unmarshal_metrics", err)
		}
		tr.Metrics = unmarshalMetrics(rawMetrics)
		if processingTimeMS.Valid {
			tr.ProcessingTimeMS = &processingTimeMS.Int64
		}
		if errMsg.Valid {
			tr.ErrorMessage = &errMsg.String
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalMetrics renders a Metrics bag as plain JSON scalars for canonical
// storage (spec.md §9 "Dynamic typing / reflection").
func marshalMetrics(m domain.Metrics) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v.Kind {
		case "int":
			out[k] = v.Int
		case "float":
			out[k] = v.Float
		case "bool":
			out[k] = v.Bool
		default:
			out[k] = v.String
		}
	}
	return out
}

// unmarshalMetrics tolerantly reconstructs a Metrics bag from stored JSON
// scalars, inferring the tag from the JSON value's shape.
func unmarshalMetrics(raw map[string]json.RawMessage) domain.Metrics {
	out := make(domain.Metrics, len(raw))
	for k, v := range raw {
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			out[k] = domain.MFloat(f)
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			out[k] = domain.MBool(b)
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			out[k] = domain.MString(str)
			continue
		}
	}
	return out
}
