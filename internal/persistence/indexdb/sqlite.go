package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"floodmesh.ai/internal/sim/catalogs"
	"floodmesh.ai/internal/sim/metrics"
	"floodmesh.ai/internal/sim/scenario"
	"floodmesh.ai/internal/sim/scheduler"
	"floodmesh.ai/internal/sim/tuning"
)

// SQLiteIndex is a secondary, queryable index of run results. Writes are queued to a
// single writer goroutine; the JSONL logs of a run remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick    atomic.Uint64
	dropSummary atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSummary
)

type req struct {
	kind  reqKind
	runID string

	tick         scheduler.TickRecord
	withSnapshot bool
	summary      metrics.Summary
}

// RunInfo describes a run at start.
type RunInfo struct {
	RunID     string
	Scenario  *scenario.Scenario
	Catalogs  *catalogs.Catalogs
	Tuning    tuning.Tuning
	StartedAt time.Time
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropTickTotal    uint64
	DropSummaryTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			seed INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			evaluator TEXT NOT NULL,
			personas_digest TEXT NOT NULL,
			graph_digest TEXT NOT NULL,
			infra_digest TEXT NOT NULL,
			sectors_digest TEXT NOT NULL,
			tuning_json TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			tick INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			digest TEXT NOT NULL,
			sent INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			suppressed INTEGER NOT NULL,
			deferred INTEGER NOT NULL,
			unmet_needs INTEGER NOT NULL,
			equity_gap INTEGER NOT NULL,
			active_events INTEGER NOT NULL,
			snapshot_json TEXT,
			PRIMARY KEY (run_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS cascades (
			run_id TEXT NOT NULL REFERENCES runs(run_id),
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			event_id TEXT NOT NULL,
			edge TEXT NOT NULL,
			reason TEXT NOT NULL,
			PRIMARY KEY (run_id, tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cascades_run_action ON cascades(run_id, action);`,
		`CREATE TABLE IF NOT EXISTS metrics (
			run_id TEXT PRIMARY KEY REFERENCES runs(run_id),
			ticks_completed INTEGER NOT NULL,
			aborted INTEGER NOT NULL,
			abort_reason TEXT NOT NULL,
			delivery_ratio REAL NOT NULL,
			median_response_ticks REAL NOT NULL,
			unmet_needs INTEGER NOT NULL,
			equity_gap INTEGER NOT NULL,
			cascade_overflow INTEGER NOT NULL,
			summary_json TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropTickTotal:    s.dropTick.Load(),
		DropSummaryTotal: s.dropSummary.Load(),
	}
}

// BeginRun records the run row synchronously so tick rows never reference a missing run.
func (s *SQLiteIndex) BeginRun(info RunInfo) error {
	tun, err := json.Marshal(info.Tuning)
	if err != nil {
		return err
	}
	c := info.Catalogs
	_, err = s.db.Exec(`INSERT OR REPLACE INTO runs(run_id,scenario,seed,ticks,evaluator,personas_digest,graph_digest,infra_digest,sectors_digest,tuning_json,started_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		info.RunID,
		info.Scenario.ID,
		info.Scenario.Seed,
		int64(info.Scenario.Ticks),
		info.Scenario.Evaluator,
		c.Personas.Digest,
		c.Graph.Digest,
		c.Infra.Digest,
		c.Sectors.Digest,
		string(tun),
		info.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Sink returns a scheduler sink that indexes the ticks and summary of runID. The full
// snapshot JSON is kept every snapshotEvery ticks (and for the last tick via the summary).
func (s *SQLiteIndex) Sink(runID string, snapshotEvery int) *RunSink {
	if snapshotEvery < 1 {
		snapshotEvery = 1
	}
	return &RunSink{idx: s, runID: runID, every: uint64(snapshotEvery)}
}

type RunSink struct {
	idx   *SQLiteIndex
	runID string
	every uint64
}

var (
	_ scheduler.Sink        = (*RunSink)(nil)
	_ scheduler.SummarySink = (*RunSink)(nil)
)

func (r *RunSink) WriteTick(rec scheduler.TickRecord) error {
	s := r.idx
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, runID: r.runID, tick: rec, withSnapshot: rec.Tick%r.every == 0}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (r *RunSink) WriteSummary(sum metrics.Summary) error {
	s := r.idx
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqSummary, runID: r.runID, summary: sum}:
	default:
		s.dropSummary.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(run_id,tick,stage,digest,sent,delivered,failed,suppressed,deferred,unmet_needs,equity_gap,active_events,snapshot_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertCascade, _ := s.db.Prepare(`INSERT OR REPLACE INTO cascades(run_id,tick,seq,action,event_id,edge,reason) VALUES(?,?,?,?,?,?,?)`)
	insertMetrics, _ := s.db.Prepare(`INSERT OR REPLACE INTO metrics(run_id,ticks_completed,aborted,abort_reason,delivery_ratio,median_response_ticks,unmet_needs,equity_gap,cascade_overflow,summary_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertCascade, insertMetrics} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			snap := r.tick.Snapshot
			var raw sql.NullString
			if r.withSnapshot {
				b, _ := json.Marshal(snap)
				raw = sql.NullString{String: string(b), Valid: true}
			}
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					r.runID,
					int64(r.tick.Tick),
					r.tick.Stage,
					snap.Digest,
					snap.Bus.Sent,
					snap.Bus.Delivered,
					snap.Bus.Failed,
					snap.Bus.Suppressed,
					snap.Bus.Deferred,
					snap.UnmetNeeds,
					snap.EquityGap,
					len(snap.Active),
					raw,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for i, c := range r.tick.Cascade {
				if insertCascade == nil {
					break
				}
				if _, err := tx.Stmt(insertCascade).Exec(r.runID, int64(c.Tick), i, c.Action, c.EventID, c.Edge, c.Reason); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSummary:
			sum := r.summary
			b, _ := json.Marshal(sum)
			if insertMetrics != nil {
				if _, err := tx.Stmt(insertMetrics).Exec(
					r.runID,
					int64(sum.TicksCompleted),
					boolInt(sum.Aborted),
					sum.AbortReason,
					sum.DeliveryRatio,
					sum.MedianResponseTicks,
					sum.UnmetNeeds,
					sum.EquityGap,
					boolInt(sum.Cascade.Overflow),
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			// A summary ends a run; make it visible to readers right away.
			commit()
		}
		flushIfNeeded()
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
