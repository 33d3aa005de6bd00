package indexdb

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"floodmesh.ai/internal/sim/metrics"
)

// Reader runs typed queries over an index written by SQLiteIndex.
type Reader struct {
	conn *sqlx.DB
}

type RunRow struct {
	RunID     string `db:"run_id" json:"run_id"`
	Scenario  string `db:"scenario" json:"scenario"`
	Seed      int64  `db:"seed" json:"seed"`
	Ticks     int64  `db:"ticks" json:"ticks"`
	Evaluator string `db:"evaluator" json:"evaluator"`
	StartedAt string `db:"started_at" json:"started_at"`

	// From the metrics table; null until the run finished.
	TicksCompleted *int64   `db:"ticks_completed" json:"ticks_completed"`
	Aborted        *bool    `db:"aborted" json:"aborted"`
	DeliveryRatio  *float64 `db:"delivery_ratio" json:"delivery_ratio"`
	EquityGap      *int64   `db:"equity_gap" json:"equity_gap"`
}

type TickRow struct {
	Tick         int64   `db:"tick" json:"tick"`
	Stage        int     `db:"stage" json:"stage"`
	Digest       string  `db:"digest" json:"digest"`
	Sent         int     `db:"sent" json:"sent"`
	Delivered    int     `db:"delivered" json:"delivered"`
	Failed       int     `db:"failed" json:"failed"`
	Suppressed   int     `db:"suppressed" json:"suppressed"`
	Deferred     int     `db:"deferred" json:"deferred"`
	UnmetNeeds   int     `db:"unmet_needs" json:"unmet_needs"`
	EquityGap    int     `db:"equity_gap" json:"equity_gap"`
	ActiveEvents int     `db:"active_events" json:"active_events"`
	Snapshot     *string `db:"snapshot_json" json:"snapshot_json,omitempty"`
}

type CascadeRow struct {
	Tick    int64  `db:"tick" json:"tick"`
	Seq     int    `db:"seq" json:"seq"`
	Action  string `db:"action" json:"action"`
	EventID string `db:"event_id" json:"event_id"`
	Edge    string `db:"edge" json:"edge"`
	Reason  string `db:"reason" json:"reason"`
}

func OpenReader(path string) (*Reader, error) {
	conn, err := sqlx.Open("sqlite", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &Reader{conn: conn}, nil
}

func (r *Reader) Close() error { return r.conn.Close() }

// Runs lists runs, most recent first.
func (r *Reader) Runs(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []RunRow
	err := r.conn.Select(&out, `SELECT r.run_id, r.scenario, r.seed, r.ticks, r.evaluator, r.started_at,
		m.ticks_completed, m.aborted, m.delivery_ratio, m.equity_gap
		FROM runs r LEFT JOIN metrics m ON m.run_id = r.run_id
		ORDER BY r.started_at DESC, r.run_id LIMIT ?`, limit)
	return out, err
}

func (r *Reader) Ticks(runID string) ([]TickRow, error) {
	var out []TickRow
	err := r.conn.Select(&out, `SELECT tick, stage, digest, sent, delivered, failed, suppressed, deferred,
		unmet_needs, equity_gap, active_events, snapshot_json
		FROM ticks WHERE run_id = ? ORDER BY tick`, runID)
	return out, err
}

// Cascades returns the cascade log rows of a run; an empty action selects all of them.
func (r *Reader) Cascades(runID, action string) ([]CascadeRow, error) {
	var out []CascadeRow
	q := `SELECT tick, seq, action, event_id, edge, reason FROM cascades WHERE run_id = ?`
	args := []any{runID}
	if action != "" {
		q += ` AND action = ?`
		args = append(args, action)
	}
	q += ` ORDER BY tick, seq`
	err := r.conn.Select(&out, q, args...)
	return out, err
}

func (r *Reader) Summary(runID string) (metrics.Summary, error) {
	var sum metrics.Summary
	var raw string
	if err := r.conn.Get(&raw, `SELECT summary_json FROM metrics WHERE run_id = ?`, runID); err != nil {
		return sum, err
	}
	err := json.Unmarshal([]byte(raw), &sum)
	return sum, err
}
