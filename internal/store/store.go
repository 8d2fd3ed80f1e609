// Package store is the SQLite-backed storage layer for Rewire: expectations,
// append-only observations, alert trials, and violations.
//
// The database is opened with PRAGMA journal_mode = WAL so concurrent readers
// proceed alongside the single writer. The connection pool is limited to one
// connection; every writer serialises through it, which is the concurrency
// contract the checker and ingress rely on. Each exported call is its own
// transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Sentinel errors mapped to HTTP statuses by ingress.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate id")
	ErrInvalid   = errors.New("invalid input")
)

const schema = `
CREATE TABLE IF NOT EXISTS expectations (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL CHECK(type IN ('schedule', 'alert_path')),
  name TEXT NOT NULL,
  expected_interval_s INTEGER NOT NULL CHECK(expected_interval_s >= 60),
  tolerance_s INTEGER NOT NULL DEFAULT 0 CHECK(tolerance_s >= 0),
  params_json TEXT NOT NULL,
  owner_email TEXT NOT NULL,
  is_enabled INTEGER NOT NULL DEFAULT 1 CHECK(is_enabled IN (0, 1)),
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS observations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  expectation_id TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('start', 'end', 'ping', 'ack')),
  observed_at INTEGER NOT NULL,
  meta_json TEXT,
  FOREIGN KEY(expectation_id) REFERENCES expectations(id)
);

CREATE INDEX IF NOT EXISTS idx_obs_exp_time ON observations(expectation_id, observed_at);

CREATE TABLE IF NOT EXISTS alert_trials (
  id TEXT PRIMARY KEY,
  expectation_id TEXT NOT NULL,
  sent_at INTEGER NOT NULL,
  acked_at INTEGER,
  status TEXT NOT NULL CHECK(status IN ('pending', 'acked', 'expired')),
  meta_json TEXT,
  FOREIGN KEY(expectation_id) REFERENCES expectations(id)
);

CREATE INDEX IF NOT EXISTS idx_trials_exp ON alert_trials(expectation_id);
CREATE INDEX IF NOT EXISTS idx_trials_status ON alert_trials(status);

CREATE TABLE IF NOT EXISTS violations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  expectation_id TEXT NOT NULL,
  detected_at INTEGER NOT NULL,
  code TEXT NOT NULL,
  message TEXT NOT NULL,
  evidence_json TEXT NOT NULL,
  is_open INTEGER NOT NULL DEFAULT 1 CHECK(is_open IN (0, 1)),
  last_notified_at INTEGER,
  FOREIGN KEY(expectation_id) REFERENCES expectations(id)
);

CREATE INDEX IF NOT EXISTS idx_viol_open ON violations(expectation_id, is_open);
CREATE INDEX IF NOT EXISTS idx_viol_code ON violations(expectation_id, code);
`

// Store owns all durable state. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	nowFn  func() int64
	logger *log.Logger
}

// Open opens (or creates) the database at path, enables WAL mode, and
// applies the schema. ":memory:" is accepted for tests; with the pool
// limited to one connection the in-memory database is shared by all calls.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// One writer at a time; every call serialises through this connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 30000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Store{
		db:     db,
		nowFn:  func() int64 { return time.Now().Unix() },
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}, nil
}

// SetClock replaces the timestamp source. Tests use this to replay
// scenarios at fixed instants.
func (s *Store) SetClock(now func() int64) { s.nowFn = now }

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() int64 { return s.nowFn() }

// === Expectations ===

// CreateExpectation inserts a new expectation, enabled, with both
// timestamps set to now. Returns ErrInvalid on bad fields and ErrDuplicate
// when the id already exists.
func (s *Store) CreateExpectation(ctx context.Context, p CreateExpectationParams) error {
	if p.ID == "" {
		return fmt.Errorf("store: create expectation: empty id: %w", ErrInvalid)
	}
	if !ValidType(p.Type) {
		return fmt.Errorf("store: create expectation: type %q: %w", p.Type, ErrInvalid)
	}
	if p.ExpectedIntervalS < 60 {
		return fmt.Errorf("store: create expectation: expected_interval_s %d < 60: %w", p.ExpectedIntervalS, ErrInvalid)
	}
	if p.ToleranceS < 0 {
		return fmt.Errorf("store: create expectation: tolerance_s %d < 0: %w", p.ToleranceS, ErrInvalid)
	}

	t := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expectations
		   (id, type, name, expected_interval_s, tolerance_s,
		    params_json, owner_email, is_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		p.ID, string(p.Type), p.Name, p.ExpectedIntervalS, p.ToleranceS,
		p.ParamsJSON, p.OwnerEmail, t, t)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("store: create expectation %q: %w", p.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: create expectation: %w", err)
	}
	return nil
}

// GetExpectation returns the expectation with the given id, or ErrNotFound.
func (s *Store) GetExpectation(ctx context.Context, id string) (Expectation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, name, expected_interval_s, tolerance_s,
		        params_json, owner_email, is_enabled, created_at, updated_at
		   FROM expectations WHERE id = ?`, id)
	e, err := scanExpectation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Expectation{}, fmt.Errorf("store: expectation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Expectation{}, fmt.Errorf("store: get expectation: %w", err)
	}
	return e, nil
}

// ListEnabledExpectations returns every enabled expectation.
func (s *Store) ListEnabledExpectations(ctx context.Context) ([]Expectation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, name, expected_interval_s, tolerance_s,
		        params_json, owner_email, is_enabled, created_at, updated_at
		   FROM expectations WHERE is_enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled: %w", err)
	}
	defer rows.Close()

	var out []Expectation
	for rows.Next() {
		e, err := scanExpectation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list enabled: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetEnabled flips the enabled flag and bumps updated_at. Reports whether a
// row matched.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expectations SET is_enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), s.now(), id)
	if err != nil {
		return false, fmt.Errorf("store: set enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set enabled: %w", err)
	}
	return n > 0, nil
}

// === Observations ===

// AddObservation appends an observation stamped at now and returns its seq.
// meta may be empty.
func (s *Store) AddObservation(ctx context.Context, expID string, kind ObservationKind, meta string) (int64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("store: add observation: kind %q: %w", kind, ErrInvalid)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO observations (expectation_id, kind, observed_at, meta_json)
		 VALUES (?, ?, ?, ?)`,
		expID, string(kind), s.now(), nullString(meta))
	if err != nil {
		return 0, fmt.Errorf("store: add observation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: add observation: %w", err)
	}
	return seq, nil
}

// RecentObservations returns up to limit observations for the expectation,
// newest first. Ties on observed_at break by seq descending so scans are
// reproducible.
func (s *Store) RecentObservations(ctx context.Context, expID string, limit int) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, expectation_id, kind, observed_at, meta_json
		   FROM observations
		  WHERE expectation_id = ?
		  ORDER BY observed_at DESC, id DESC
		  LIMIT ?`, expID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var kind string
		var meta sql.NullString
		if err := rows.Scan(&o.Seq, &o.ExpectationID, &kind, &o.ObservedAt, &meta); err != nil {
			return nil, fmt.Errorf("store: recent observations: %w", err)
		}
		o.Kind = ObservationKind(kind)
		o.Meta = meta.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// LastObservationTime returns the newest observed_at for the expectation,
// optionally filtered by kind (empty kind means any). The bool reports
// whether any observation matched.
func (s *Store) LastObservationTime(ctx context.Context, expID string, kind ObservationKind) (int64, bool, error) {
	var row *sql.Row
	if kind != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT observed_at FROM observations
			  WHERE expectation_id = ? AND kind = ?
			  ORDER BY observed_at DESC LIMIT 1`, expID, string(kind))
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT observed_at FROM observations
			  WHERE expectation_id = ?
			  ORDER BY observed_at DESC LIMIT 1`, expID)
	}
	var t int64
	err := row.Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: last observation time: %w", err)
	}
	return t, true, nil
}

// === Alert trials ===

// CreateTrial records a new pending trial stamped at now.
func (s *Store) CreateTrial(ctx context.Context, trialID, expID, metaJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_trials (id, expectation_id, sent_at, acked_at, status, meta_json)
		 VALUES (?, ?, ?, NULL, 'pending', ?)`,
		trialID, expID, s.now(), metaJSON)
	if err != nil {
		return fmt.Errorf("store: create trial: %w", err)
	}
	return nil
}

// AckTrial transitions a pending trial to acked, stamping acked_at. Reports
// whether it transitioned; a second call on the same trial returns false
// with no state change. The status guard in the WHERE clause makes ack and
// expire compete safely.
func (s *Store) AckTrial(ctx context.Context, trialID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_trials SET acked_at = ?, status = 'acked'
		  WHERE id = ? AND status = 'pending'`,
		s.now(), trialID)
	if err != nil {
		return false, fmt.Errorf("store: ack trial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: ack trial: %w", err)
	}
	return n > 0, nil
}

// PendingTrials returns all pending trials for the expectation.
func (s *Store) PendingTrials(ctx context.Context, expID string) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, expectation_id, sent_at, acked_at, status, meta_json
		   FROM alert_trials
		  WHERE expectation_id = ? AND status = 'pending'`, expID)
	if err != nil {
		return nil, fmt.Errorf("store: pending trials: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}

// AllTrials returns every trial; used by the invariant probe.
func (s *Store) AllTrials(ctx context.Context) ([]Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, expectation_id, sent_at, acked_at, status, meta_json FROM alert_trials`)
	if err != nil {
		return nil, fmt.Errorf("store: all trials: %w", err)
	}
	defer rows.Close()
	return collectTrials(rows)
}

// ExpireTrial marks a pending trial as expired. No-op on non-pending trials.
func (s *Store) ExpireTrial(ctx context.Context, trialID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alert_trials SET status = 'expired' WHERE id = ? AND status = 'pending'`,
		trialID)
	if err != nil {
		return fmt.Errorf("store: expire trial: %w", err)
	}
	return nil
}

// === Violations ===

// OpenViolation returns the open violation for (expID, code), or nil when
// there is none.
func (s *Store) OpenViolation(ctx context.Context, expID, code string) (*Violation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, expectation_id, detected_at, code, message, evidence_json, is_open, last_notified_at
		   FROM violations
		  WHERE expectation_id = ? AND code = ? AND is_open = 1
		  ORDER BY detected_at DESC LIMIT 1`, expID, code)
	v, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open violation: %w", err)
	}
	return &v, nil
}

// CreateViolation inserts an open violation stamped at now and returns its id.
func (s *Store) CreateViolation(ctx context.Context, expID, code, message, evidenceJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO violations
		   (expectation_id, detected_at, code, message, evidence_json, is_open, last_notified_at)
		 VALUES (?, ?, ?, ?, ?, 1, NULL)`,
		expID, s.now(), code, message, evidenceJSON)
	if err != nil {
		return 0, fmt.Errorf("store: create violation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create violation: %w", err)
	}
	return id, nil
}

// CloseViolations closes every open violation of the expectation whose code
// is in codes. Returns the number of rows closed. Closed rows are kept for
// audit and never reopened; a recurrence creates a new row.
func (s *Store) CloseViolations(ctx context.Context, expID string, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat(",?", len(codes))[1:]
	args := make([]any, 0, len(codes)+1)
	args = append(args, expID)
	for _, c := range codes {
		args = append(args, c)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE violations SET is_open = 0
		  WHERE expectation_id = ? AND is_open = 1 AND code IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("store: close violations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: close violations: %w", err)
	}
	return n, nil
}

// MarkNotified stamps last_notified_at with now.
func (s *Store) MarkNotified(ctx context.Context, violationID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE violations SET last_notified_at = ? WHERE id = ?`, s.now(), violationID)
	if err != nil {
		return fmt.Errorf("store: mark notified: %w", err)
	}
	return nil
}

// OpenViolationsCount counts open violations, optionally scoped to one
// expectation (empty expID counts all).
func (s *Store) OpenViolationsCount(ctx context.Context, expID string) (int64, error) {
	var row *sql.Row
	if expID != "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM violations WHERE expectation_id = ? AND is_open = 1`, expID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM violations WHERE is_open = 1`)
	}
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: open violations count: %w", err)
	}
	return n, nil
}

// === scanning helpers ===

type scannable interface {
	Scan(dest ...any) error
}

func scanExpectation(row scannable) (Expectation, error) {
	var e Expectation
	var typ string
	var enabled int
	err := row.Scan(&e.ID, &typ, &e.Name, &e.ExpectedIntervalS, &e.ToleranceS,
		&e.ParamsJSON, &e.OwnerEmail, &enabled, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Expectation{}, err
	}
	e.Type = ExpectationType(typ)
	e.Enabled = enabled == 1
	return e, nil
}

func scanViolation(row scannable) (Violation, error) {
	var v Violation
	var open int
	var notified sql.NullInt64
	err := row.Scan(&v.ID, &v.ExpectationID, &v.DetectedAt, &v.Code, &v.Message,
		&v.EvidenceJSON, &open, &notified)
	if err != nil {
		return Violation{}, err
	}
	v.IsOpen = open == 1
	v.LastNotifiedAt = notified.Int64
	return v, nil
}

func collectTrials(rows *sql.Rows) ([]Trial, error) {
	var out []Trial
	for rows.Next() {
		var t Trial
		var status string
		var acked sql.NullInt64
		var meta sql.NullString
		if err := rows.Scan(&t.ID, &t.ExpectationID, &t.SentAt, &acked, &status, &meta); err != nil {
			return nil, fmt.Errorf("store: scan trial: %w", err)
		}
		t.Status = TrialStatus(status)
		t.AckedAt = acked.Int64
		t.MetaJSON = meta.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
