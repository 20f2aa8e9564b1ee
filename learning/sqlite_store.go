package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/sentinelops/medic/core"
)

// sqliteTimeLayout is fixed width so that lexicographic order on the TEXT
// timestamp column matches chronological order. All values are written in
// UTC, so the zone suffix is always "Z".
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outcomes (
    outcome_id TEXT PRIMARY KEY,
    decision_id TEXT NOT NULL,
    kill_id TEXT NOT NULL,
    target_module TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    outcome_type TEXT NOT NULL,
    original_risk_score REAL NOT NULL,
    original_confidence REAL NOT NULL,
    original_decision TEXT NOT NULL,
    was_auto_approved INTEGER NOT NULL,
    health_score_after REAL,
    time_to_healthy REAL,
    anomalies_detected INTEGER DEFAULT 0,
    required_rollback INTEGER DEFAULT 0,
    feedback_source TEXT DEFAULT 'AUTOMATED',
    human_feedback TEXT,
    corrected_decision TEXT,
    metadata TEXT DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_outcomes_module ON outcomes(target_module);
CREATE INDEX IF NOT EXISTS idx_outcomes_type ON outcomes(outcome_type);
CREATE INDEX IF NOT EXISTS idx_outcomes_timestamp ON outcomes(timestamp);
CREATE INDEX IF NOT EXISTS idx_outcomes_decision ON outcomes(decision_id);
`

const outcomeColumns = `outcome_id, decision_id, kill_id, target_module, timestamp,
outcome_type, original_risk_score, original_confidence, original_decision,
was_auto_approved, health_score_after, time_to_healthy, anomalies_detected,
required_rollback, feedback_source, human_feedback, corrected_decision, metadata`

// SQLiteOutcomeStore is the persistent OutcomeStore backend. One process
// owns the file; SQLite allows a single writer, so the connection pool is
// capped at one connection to keep writes serialized.
type SQLiteOutcomeStore struct {
	db     *sql.DB
	path   string
	logger core.Logger
}

var _ core.OutcomeStore = (*SQLiteOutcomeStore)(nil)

// NewSQLiteOutcomeStore opens (creating if needed) the outcome database at
// path and ensures the schema exists.
func NewSQLiteOutcomeStore(path string) (*SQLiteOutcomeStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, &core.AgentError{
			Op:      "NewSQLiteOutcomeStore",
			Kind:    "store",
			Message: fmt.Sprintf("open %s: %v", path, err),
			Err:     core.ErrStoreUnavailable,
		}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &core.AgentError{
			Op:      "NewSQLiteOutcomeStore",
			Kind:    "store",
			Message: fmt.Sprintf("init schema: %v", err),
			Err:     core.ErrStoreUnavailable,
		}
	}

	return &SQLiteOutcomeStore{
		db:     db,
		path:   path,
		logger: &core.NoOpLogger{},
	}, nil
}

// SetLogger configures the logger for this store
func (s *SQLiteOutcomeStore) SetLogger(logger core.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Store inserts or replaces the outcome keyed by OutcomeID. The upsert
// keeps the original rowid, which is what makes ordering stable under
// equal timestamps.
func (s *SQLiteOutcomeStore) Store(ctx context.Context, outcome *core.ResurrectionOutcome) error {
	if outcome == nil || outcome.OutcomeID == "" {
		return &core.AgentError{
			Op:      "SQLiteOutcomeStore.Store",
			Kind:    "store",
			Message: "outcome_id is required",
			Err:     core.ErrInvalidInput,
		}
	}

	metadata, err := json.Marshal(outcome.Metadata)
	if err != nil {
		return &core.AgentError{
			Op:      "SQLiteOutcomeStore.Store",
			Kind:    "store",
			ID:      outcome.OutcomeID,
			Message: fmt.Sprintf("marshal metadata: %v", err),
			Err:     core.ErrInvalidInput,
		}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO outcomes (`+outcomeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(outcome_id) DO UPDATE SET
    decision_id = excluded.decision_id,
    kill_id = excluded.kill_id,
    target_module = excluded.target_module,
    timestamp = excluded.timestamp,
    outcome_type = excluded.outcome_type,
    original_risk_score = excluded.original_risk_score,
    original_confidence = excluded.original_confidence,
    original_decision = excluded.original_decision,
    was_auto_approved = excluded.was_auto_approved,
    health_score_after = excluded.health_score_after,
    time_to_healthy = excluded.time_to_healthy,
    anomalies_detected = excluded.anomalies_detected,
    required_rollback = excluded.required_rollback,
    feedback_source = excluded.feedback_source,
    human_feedback = excluded.human_feedback,
    corrected_decision = excluded.corrected_decision,
    metadata = excluded.metadata`,
		outcome.OutcomeID,
		outcome.DecisionID,
		outcome.KillID,
		outcome.TargetModule,
		outcome.Timestamp.UTC().Format(sqliteTimeLayout),
		string(outcome.OutcomeType),
		outcome.OriginalRiskScore,
		outcome.OriginalConfidence,
		outcome.OriginalDecision,
		boolToInt(outcome.WasAutoApproved),
		nullFloat(outcome.HealthScoreAfter),
		nullFloat(outcome.TimeToHealthy),
		outcome.AnomaliesDetected,
		boolToInt(outcome.RequiredRollback),
		string(outcome.FeedbackSource),
		nullString(outcome.HumanFeedback),
		nullString(outcome.CorrectedDecision),
		string(metadata),
	)
	if err != nil {
		return &core.AgentError{
			Op:      "SQLiteOutcomeStore.Store",
			Kind:    "store",
			ID:      outcome.OutcomeID,
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}

	if s.logger != nil {
		s.logger.Debug("Outcome stored", map[string]interface{}{
			"operation":  "store",
			"outcome_id": outcome.OutcomeID,
			"kill_id":    outcome.KillID,
			"module":     outcome.TargetModule,
		})
	}
	return nil
}

// Get returns the outcome or ErrOutcomeNotFound.
func (s *SQLiteOutcomeStore) Get(ctx context.Context, outcomeID string) (*core.ResurrectionOutcome, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE outcome_id = ?`, outcomeID)

	outcome, err := s.scanOutcome(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &core.AgentError{
			Op:   "SQLiteOutcomeStore.Get",
			Kind: "store",
			ID:   outcomeID,
			Err:  core.ErrOutcomeNotFound,
		}
	}
	if err != nil {
		return nil, &core.AgentError{
			Op:      "SQLiteOutcomeStore.Get",
			Kind:    "store",
			ID:      outcomeID,
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}
	return outcome, nil
}

// ListByModule returns up to limit outcomes for the module, newest first.
// A non-positive limit means no limit.
func (s *SQLiteOutcomeStore) ListByModule(ctx context.Context, module string, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	where := "target_module = ?"
	args := []interface{}{module}
	if !since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}
	return s.query(ctx, "SQLiteOutcomeStore.ListByModule", where, args, limit)
}

// ListByType returns up to limit outcomes of the given type, newest first.
func (s *SQLiteOutcomeStore) ListByType(ctx context.Context, outcomeType core.OutcomeType, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	where := "outcome_type = ?"
	args := []interface{}{string(outcomeType)}
	if !since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}
	return s.query(ctx, "SQLiteOutcomeStore.ListByType", where, args, limit)
}

// ListRecent returns up to limit outcomes, newest first.
func (s *SQLiteOutcomeStore) ListRecent(ctx context.Context, limit int, since time.Time) ([]*core.ResurrectionOutcome, error) {
	where := "1=1"
	args := []interface{}{}
	if !since.IsZero() {
		where = "timestamp >= ?"
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}
	return s.query(ctx, "SQLiteOutcomeStore.ListRecent", where, args, limit)
}

// Statistics aggregates outcomes in the inclusive [since, until] window.
// Aggregation happens in Go over a row scan, through the same function the
// memory backend uses, so corrupt rows are skipped loudly instead of
// silently shifting SQL aggregates.
func (s *SQLiteOutcomeStore) Statistics(ctx context.Context, since, until time.Time) (*core.Statistics, error) {
	where := "1=1"
	args := []interface{}{}
	if !since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, since.UTC().Format(sqliteTimeLayout))
	}
	if !until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, until.UTC().Format(sqliteTimeLayout))
	}

	outcomes, err := s.query(ctx, "SQLiteOutcomeStore.Statistics", where, args, 0)
	if err != nil {
		return nil, err
	}
	return aggregateStatistics(outcomes), nil
}

// ModuleStatistics aggregates one module's history.
func (s *SQLiteOutcomeStore) ModuleStatistics(ctx context.Context, module string) (*core.ModuleHistory, error) {
	outcomes, err := s.query(ctx, "SQLiteOutcomeStore.ModuleStatistics",
		"target_module = ?", []interface{}{module}, 0)
	if err != nil {
		return nil, err
	}
	return aggregateModuleHistory(outcomes), nil
}

// Update applies an in-place patch restricted to the allowed field set.
// The read-modify-write runs inside one transaction so concurrent updates
// to the same outcome cannot interleave.
func (s *SQLiteOutcomeStore) Update(ctx context.Context, outcomeID string, fields map[string]interface{}) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &core.AgentError{
			Op:      "SQLiteOutcomeStore.Update",
			Kind:    "store",
			ID:      outcomeID,
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE outcome_id = ?`, outcomeID)
	outcome, err := s.scanOutcome(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &core.AgentError{
			Op:      "SQLiteOutcomeStore.Update",
			Kind:    "store",
			ID:      outcomeID,
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}

	applied := applyOutcomePatch(outcome, fields)
	if len(applied) > 0 {
		metadata, merr := json.Marshal(outcome.Metadata)
		if merr != nil {
			return true, &core.AgentError{
				Op:      "SQLiteOutcomeStore.Update",
				Kind:    "store",
				ID:      outcomeID,
				Message: fmt.Sprintf("marshal metadata: %v", merr),
				Err:     core.ErrInvalidInput,
			}
		}
		_, err = tx.ExecContext(ctx, `
UPDATE outcomes SET
    outcome_type = ?,
    health_score_after = ?,
    time_to_healthy = ?,
    anomalies_detected = ?,
    required_rollback = ?,
    feedback_source = ?,
    human_feedback = ?,
    corrected_decision = ?,
    metadata = ?
WHERE outcome_id = ?`,
			string(outcome.OutcomeType),
			nullFloat(outcome.HealthScoreAfter),
			nullFloat(outcome.TimeToHealthy),
			outcome.AnomaliesDetected,
			boolToInt(outcome.RequiredRollback),
			string(outcome.FeedbackSource),
			nullString(outcome.HumanFeedback),
			nullString(outcome.CorrectedDecision),
			string(metadata),
			outcomeID,
		)
		if err != nil {
			return true, &core.AgentError{
				Op:      "SQLiteOutcomeStore.Update",
				Kind:    "store",
				ID:      outcomeID,
				Message: err.Error(),
				Err:     core.ErrStoreUnavailable,
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return true, &core.AgentError{
			Op:      "SQLiteOutcomeStore.Update",
			Kind:    "store",
			ID:      outcomeID,
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}

	if s.logger != nil {
		s.logger.Debug("Outcome updated", map[string]interface{}{
			"operation":  "update",
			"outcome_id": outcomeID,
			"applied":    applied,
		})
	}
	return true, nil
}

// HealthCheck reports whether the database file can serve queries.
func (s *SQLiteOutcomeStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &core.AgentError{
			Op:      "SQLiteOutcomeStore.HealthCheck",
			Kind:    "store",
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteOutcomeStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteOutcomeStore) Path() string {
	return s.path
}

func (s *SQLiteOutcomeStore) query(ctx context.Context, op, where string, args []interface{}, limit int) ([]*core.ResurrectionOutcome, error) {
	// SQLite treats a negative LIMIT as unlimited.
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT `+outcomeColumns+` FROM outcomes
WHERE `+where+`
ORDER BY timestamp DESC, rowid ASC
LIMIT ?`, args...)
	if err != nil {
		return nil, &core.AgentError{
			Op:      op,
			Kind:    "store",
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}
	defer rows.Close()

	out := make([]*core.ResurrectionOutcome, 0)
	for rows.Next() {
		outcome, err := s.scanOutcome(rows.Scan)
		if err != nil {
			// A corrupt row never aborts the scan, but it is never
			// skipped silently either.
			if s.logger != nil {
				s.logger.Warn("Skipping corrupt outcome row", map[string]interface{}{
					"operation": op,
					"error":     err.Error(),
				})
			}
			continue
		}
		out = append(out, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.AgentError{
			Op:      op,
			Kind:    "store",
			Message: err.Error(),
			Err:     core.ErrStoreUnavailable,
		}
	}
	return out, nil
}

// scanOutcome maps one row onto a ResurrectionOutcome. It works for both
// sql.Row and sql.Rows by taking the Scan func.
func (s *SQLiteOutcomeStore) scanOutcome(scan func(...interface{}) error) (*core.ResurrectionOutcome, error) {
	var (
		o            core.ResurrectionOutcome
		ts           string
		outcomeType  string
		autoApproved int
		healthAfter  sql.NullFloat64
		timeHealthy  sql.NullFloat64
		rollback     int
		source       string
		feedback     sql.NullString
		corrected    sql.NullString
		metadata     sql.NullString
	)

	err := scan(
		&o.OutcomeID, &o.DecisionID, &o.KillID, &o.TargetModule, &ts,
		&outcomeType, &o.OriginalRiskScore, &o.OriginalConfidence, &o.OriginalDecision,
		&autoApproved, &healthAfter, &timeHealthy, &o.AnomaliesDetected,
		&rollback, &source, &feedback, &corrected, &metadata,
	)
	if err != nil {
		return nil, err
	}

	o.Timestamp, err = parseStoredTime(ts)
	if err != nil {
		return nil, fmt.Errorf("outcome %s: bad timestamp %q: %w", o.OutcomeID, ts, err)
	}
	o.OutcomeType, err = core.ParseOutcomeType(outcomeType)
	if err != nil {
		return nil, fmt.Errorf("outcome %s: %w", o.OutcomeID, err)
	}
	o.FeedbackSource, err = core.ParseFeedbackSource(source)
	if err != nil {
		return nil, fmt.Errorf("outcome %s: %w", o.OutcomeID, err)
	}

	o.WasAutoApproved = autoApproved != 0
	o.RequiredRollback = rollback != 0
	if healthAfter.Valid {
		v := healthAfter.Float64
		o.HealthScoreAfter = &v
	}
	if timeHealthy.Valid {
		v := timeHealthy.Float64
		o.TimeToHealthy = &v
	}
	if feedback.Valid {
		v := feedback.String
		o.HumanFeedback = &v
	}
	if corrected.Valid {
		v := corrected.String
		o.CorrectedDecision = &v
	}
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &o.Metadata); err != nil {
			return nil, fmt.Errorf("outcome %s: bad metadata: %w", o.OutcomeID, err)
		}
	}
	return &o, nil
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
