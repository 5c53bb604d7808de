// Package store persists the engine's durable state in sqlite: invocation
// history, rollback events, proposals, and variant metadata. Rollback
// events and proposals are append-only audit records; every write is
// transactional so a failure mid-write never leaves a partially visible
// record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawinfra/banditclaw/internal/telemetry"
)

// ProposalStatus is the review state of a proposal.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// DegradationMetrics is the before/after snapshot captured with a rollback.
type DegradationMetrics struct {
	BaselineSuccessRate float64 `json:"baselineSuccessRate"`
	RecentSuccessRate   float64 `json:"recentSuccessRate"`
	BaselineMeanReward  float64 `json:"baselineMeanReward"`
	RecentMeanReward    float64 `json:"recentMeanReward"`
	BaselineErrorRate   float64 `json:"baselineErrorRate"`
	RecentErrorRate     float64 `json:"recentErrorRate"`
	BaselineCount       int     `json:"baselineCount"`
	RecentCount         int     `json:"recentCount"`
}

// RollbackEvent is one executed reversion. Immutable once appended.
type RollbackEvent struct {
	ID          string             `json:"id"`
	Timestamp   time.Time          `json:"timestamp"`
	Agent       string             `json:"agent"`
	TaskType    string             `json:"taskType"`
	FromVariant string             `json:"fromVariant"`
	ToVariant   string             `json:"toVariant"`
	Reason      string             `json:"reason"`
	Metrics     DegradationMetrics `json:"metrics"`
	Fingerprint string             `json:"fingerprint"`
}

// Proposal is one suggested variant change awaiting human review.
type Proposal struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Agent       string          `json:"agent"`
	TaskType    string          `json:"taskType"`
	Type        string          `json:"type"` // gap-fill, specialize, mutate, crossover, evolve
	Reasoning   string          `json:"reasoning"`
	Confidence  float64         `json:"confidence"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"` // supporting data
	Variant     json.RawMessage `json:"variant"`            // recommended variant definition
	Status      ProposalStatus  `json:"status"`
	Fingerprint string          `json:"fingerprint"`
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for concurrent readers during batch analysis.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
			agent       TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			variant_id  TEXT NOT NULL,
			success     INTEGER NOT NULL,
			reward      REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			error_count INTEGER NOT NULL,
			ts          INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invocations_scope
			ON invocations(agent, task_type, ts)`,
		`CREATE TABLE IF NOT EXISTS rollback_events (
			id           TEXT PRIMARY KEY,
			ts           INTEGER NOT NULL,
			agent        TEXT NOT NULL,
			task_type    TEXT NOT NULL,
			from_variant TEXT NOT NULL,
			to_variant   TEXT NOT NULL,
			reason       TEXT NOT NULL,
			metrics      TEXT NOT NULL,
			fingerprint  TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id          TEXT PRIMARY KEY,
			ts          INTEGER NOT NULL,
			agent       TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			type        TEXT NOT NULL,
			reasoning   TEXT NOT NULL,
			confidence  REAL NOT NULL,
			snapshot    TEXT,
			variant     TEXT NOT NULL,
			status      TEXT NOT NULL,
			fingerprint TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS variants (
			id        TEXT PRIMARY KEY,
			agent     TEXT NOT NULL,
			task_type TEXT NOT NULL,
			status    TEXT NOT NULL,
			doc       TEXT NOT NULL,
			updated   INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- invocations ---

// AppendInvocation records one invocation for windowed analysis.
func (s *Store) AppendInvocation(ctx context.Context, rec telemetry.InvocationRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations(agent, task_type, variant_id, success, reward, duration_ms, error_count, ts)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Agent, rec.TaskType, rec.VariantID, success, rec.Reward,
		rec.DurationMs, rec.ErrorCount, rec.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: append invocation: %w", err)
	}
	return nil
}

// RecentInvocations returns up to limit records for a scope, newest first
// by timestamp.
func (s *Store) RecentInvocations(ctx context.Context, agent, taskType string, limit int) ([]telemetry.InvocationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, task_type, variant_id, success, reward, duration_ms, error_count, ts
		 FROM invocations WHERE agent = ? AND task_type = ?
		 ORDER BY ts DESC LIMIT ?`,
		agent, taskType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: recent invocations: %w", err)
	}
	defer rows.Close()
	return scanInvocations(rows)
}

// InvocationCount returns how many records exist for a scope.
func (s *Store) InvocationCount(ctx context.Context, agent, taskType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations WHERE agent = ? AND task_type = ?`,
		agent, taskType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: invocation count: %w", err)
	}
	return n, nil
}

// Scopes returns every distinct (agent, task type) pair with history.
func (s *Store) Scopes(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT agent, task_type FROM invocations ORDER BY agent, task_type`)
	if err != nil {
		return nil, fmt.Errorf("store: scopes: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var agent, task string
		if err := rows.Scan(&agent, &task); err != nil {
			return nil, err
		}
		out = append(out, [2]string{agent, task})
	}
	return out, rows.Err()
}

func scanInvocations(rows *sql.Rows) ([]telemetry.InvocationRecord, error) {
	var out []telemetry.InvocationRecord
	for rows.Next() {
		var rec telemetry.InvocationRecord
		var success int
		var ts int64
		if err := rows.Scan(&rec.Agent, &rec.TaskType, &rec.VariantID, &success,
			&rec.Reward, &rec.DurationMs, &rec.ErrorCount, &ts); err != nil {
			return nil, err
		}
		rec.Success = success == 1
		rec.Timestamp = time.UnixMilli(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- rollback events ---

// AppendRollbackEvent stores an event. The fingerprint uniqueness
// constraint makes re-analysis of an unchanged window a no-op; ok reports
// whether the event was actually appended.
func (s *Store) AppendRollbackEvent(ctx context.Context, ev RollbackEvent) (ok bool, err error) {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return false, fmt.Errorf("store: marshal metrics: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO rollback_events(id, ts, agent, task_type, from_variant, to_variant, reason, metrics, fingerprint)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UnixMilli(), ev.Agent, ev.TaskType,
		ev.FromVariant, ev.ToVariant, ev.Reason, string(metrics), ev.Fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("store: append rollback event: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return n > 0, nil
}

// LastRollbackEvent returns the most recent event for a scope, or nil.
func (s *Store) LastRollbackEvent(ctx context.Context, agent, taskType string) (*RollbackEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, agent, task_type, from_variant, to_variant, reason, metrics, fingerprint
		 FROM rollback_events WHERE agent = ? AND task_type = ?
		 ORDER BY ts DESC LIMIT 1`,
		agent, taskType,
	)
	ev, err := scanRollbackEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: last rollback event: %w", err)
	}
	return ev, nil
}

// RollbackEvents returns recent events across all scopes, newest first.
func (s *Store) RollbackEvents(ctx context.Context, limit int) ([]RollbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, agent, task_type, from_variant, to_variant, reason, metrics, fingerprint
		 FROM rollback_events ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: rollback events: %w", err)
	}
	defer rows.Close()

	var out []RollbackEvent
	for rows.Next() {
		ev, err := scanRollbackEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRollbackEvent(row rowScanner) (*RollbackEvent, error) {
	var ev RollbackEvent
	var ts int64
	var metrics string
	if err := row.Scan(&ev.ID, &ts, &ev.Agent, &ev.TaskType,
		&ev.FromVariant, &ev.ToVariant, &ev.Reason, &metrics, &ev.Fingerprint); err != nil {
		return nil, err
	}
	ev.Timestamp = time.UnixMilli(ts)
	if err := json.Unmarshal([]byte(metrics), &ev.Metrics); err != nil {
		return nil, fmt.Errorf("store: corrupt metrics snapshot: %w", err)
	}
	return &ev, nil
}

// --- proposals ---

// InsertProposal stores a pending proposal. The fingerprint uniqueness
// constraint deduplicates re-runs over unchanged windows; ok reports
// whether the proposal was actually inserted.
func (s *Store) InsertProposal(ctx context.Context, p Proposal) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO proposals(id, ts, agent, task_type, type, reasoning, confidence, snapshot, variant, status, fingerprint)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Timestamp.UnixMilli(), p.Agent, p.TaskType, p.Type,
		p.Reasoning, p.Confidence, string(p.Snapshot), string(p.Variant),
		string(p.Status), p.Fingerprint,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert proposal: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return n > 0, nil
}

// Proposals returns proposals with the given status, newest first. An
// empty status returns everything.
func (s *Store) Proposals(ctx context.Context, status ProposalStatus, limit int) ([]Proposal, error) {
	query := `SELECT id, ts, agent, task_type, type, reasoning, confidence, snapshot, variant, status, fingerprint
		 FROM proposals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: proposals: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		var p Proposal
		var ts int64
		var snapshot, variantDoc, st string
		if err := rows.Scan(&p.ID, &ts, &p.Agent, &p.TaskType, &p.Type,
			&p.Reasoning, &p.Confidence, &snapshot, &variantDoc, &st, &p.Fingerprint); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts)
		p.Snapshot = json.RawMessage(snapshot)
		p.Variant = json.RawMessage(variantDoc)
		p.Status = ProposalStatus(st)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProposal returns one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	var ts int64
	var snapshot, variantDoc, st string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ts, agent, task_type, type, reasoning, confidence, snapshot, variant, status, fingerprint
		 FROM proposals WHERE id = ?`, id,
	).Scan(&p.ID, &ts, &p.Agent, &p.TaskType, &p.Type,
		&p.Reasoning, &p.Confidence, &snapshot, &variantDoc, &st, &p.Fingerprint)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get proposal: %w", err)
	}
	p.Timestamp = time.UnixMilli(ts)
	p.Snapshot = json.RawMessage(snapshot)
	p.Variant = json.RawMessage(variantDoc)
	p.Status = ProposalStatus(st)
	return &p, nil
}

// ReviewProposal transitions a pending proposal to approved or rejected.
// Only human review mutates proposal status, and only out of pending.
func (s *Store) ReviewProposal(ctx context.Context, id string, to ProposalStatus) error {
	if to != ProposalApproved && to != ProposalRejected {
		return fmt.Errorf("store: invalid review outcome %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(ProposalPending),
	)
	if err != nil {
		return fmt.Errorf("store: review proposal: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: proposal %s not found or not pending", id)
	}
	return nil
}

// --- variant metadata ---

// SaveVariantDoc upserts a variant's serialized metadata.
func (s *Store) SaveVariantDoc(ctx context.Context, id, agent, taskType, status string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO variants(id, agent, task_type, status, doc, updated)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, doc = excluded.doc, updated = excluded.updated`,
		id, agent, taskType, status, string(doc), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: save variant: %w", err)
	}
	return nil
}

// VariantDocs returns stored variant docs, narrowed to one agent when
// agent is non-empty.
func (s *Store) VariantDocs(ctx context.Context, agent string) ([][]byte, error) {
	query := `SELECT doc FROM variants`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: variant docs: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}
