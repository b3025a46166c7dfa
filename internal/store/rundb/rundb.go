package rundb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"fogcnn/internal/dataset"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DB wraps a SQLite database recording training runs.
type DB struct{ sql *sql.DB }

// Open opens the SQLite database at path and migrates it; ":memory:" works for tests.
func Open(path string) (*DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled connection would otherwise see its own empty database
		d.SetMaxOpenConns(1)
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;`); err != nil {
		_ = d.Close()
		return nil, err
	}
	db := &DB{sql: d}
	if err := db.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.sql.Close() }

func (d *DB) migrate() error {
	_, err := d.sql.Exec(`
	CREATE TABLE IF NOT EXISTS runs (
	  id TEXT PRIMARY KEY,
	  detection TEXT NOT NULL,
	  started_at INTEGER NOT NULL,
	  finished_at INTEGER,
	  status TEXT NOT NULL,
	  error TEXT,
	  config TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE TABLE IF NOT EXISTS splits (
	  run_id TEXT NOT NULL REFERENCES runs(id),
	  grp TEXT NOT NULL,
	  position INTEGER NOT NULL,
	  patient TEXT NOT NULL,
	  PRIMARY KEY (run_id, grp, position)
	);
	CREATE TABLE IF NOT EXISTS epochs (
	  run_id TEXT NOT NULL REFERENCES runs(id),
	  fold INTEGER NOT NULL,
	  epoch INTEGER NOT NULL,
	  loss REAL NOT NULL,
	  accuracy REAL NOT NULL,
	  samples INTEGER NOT NULL,
	  val_loss REAL,
	  val_accuracy REAL,
	  duration_ms INTEGER NOT NULL,
	  PRIMARY KEY (run_id, fold, epoch)
	);
	CREATE TABLE IF NOT EXISTS evaluations (
	  id INTEGER PRIMARY KEY AUTOINCREMENT,
	  run_id TEXT NOT NULL REFERENCES runs(id),
	  grp TEXT NOT NULL,
	  ts INTEGER NOT NULL,
	  loss REAL NOT NULL,
	  accuracy REAL NOT NULL,
	  samples INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_eval_run ON evaluations(run_id);
	`)
	return err
}

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	Detection  string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running
	Status     string
	Error      string
	Config     string
}

// Epoch is one training epoch of a run. Fold is 0 for non-cross-validated runs.
type Epoch struct {
	Fold        int
	Epoch       int
	Loss        float64
	Accuracy    float64
	Samples     int
	ValLoss     *float64
	ValAccuracy *float64
	Duration    time.Duration
}

// Evaluation is a scored pass over one patient group.
type Evaluation struct {
	Group    string
	At       time.Time
	Loss     float64
	Accuracy float64
	Samples  int
}

// StartRun inserts a running run with a fresh id. config is the YAML the run used.
func (d *DB) StartRun(ctx context.Context, detection, config string) (Run, error) {
	r := Run{
		ID:        uuid.NewString(),
		Detection: detection,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
		Status:    StatusRunning,
		Config:    config,
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO runs(id, detection, started_at, status, config) VALUES(?,?,?,?,?)`,
		r.ID, r.Detection, r.StartedAt.UnixMilli(), r.Status, r.Config)
	if err != nil {
		return Run{}, err
	}
	return r, nil
}

// FinishRun marks a run succeeded, or failed with runErr's message.
func (d *DB) FinishRun(ctx context.Context, id string, runErr error) error {
	status, msg := StatusSucceeded, sql.NullString{}
	if runErr != nil {
		status, msg = StatusFailed, sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := d.sql.ExecContext(ctx, `UPDATE runs SET finished_at=?, status=?, error=? WHERE id=?`,
		time.Now().UTC().UnixMilli(), status, msg, id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// PutSplit stores the patient groups of a run, replacing any earlier split.
func (d *DB) PutSplit(ctx context.Context, id string, p dataset.Partition) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM splits WHERE run_id=?`, id); err != nil {
		return err
	}
	for grp, patients := range p.Groups() {
		for i, patient := range patients {
			if _, err := tx.ExecContext(ctx, `INSERT INTO splits(run_id, grp, position, patient) VALUES(?,?,?,?)`, id, grp, i, patient); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// LoadSplit returns the partition stored for a run, in stored order.
func (d *DB) LoadSplit(ctx context.Context, id string) (dataset.Partition, error) {
	var p dataset.Partition
	rows, err := d.sql.QueryContext(ctx, `SELECT grp, patient FROM splits WHERE run_id=? ORDER BY grp, position`, id)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var grp, patient string
		if err := rows.Scan(&grp, &patient); err != nil {
			return p, err
		}
		switch grp {
		case "train":
			p.Train = append(p.Train, patient)
		case "validation":
			p.Validation = append(p.Validation, patient)
		case "test":
			p.Test = append(p.Test, patient)
		}
	}
	return p, rows.Err()
}

// PutEpoch records one epoch of a run.
func (d *DB) PutEpoch(ctx context.Context, id string, e Epoch) error {
	_, err := d.sql.ExecContext(ctx, `INSERT INTO epochs(run_id, fold, epoch, loss, accuracy, samples, val_loss, val_accuracy, duration_ms)
	VALUES(?,?,?,?,?,?,?,?,?)
	ON CONFLICT(run_id, fold, epoch) DO UPDATE SET loss=excluded.loss, accuracy=excluded.accuracy, samples=excluded.samples,
	  val_loss=excluded.val_loss, val_accuracy=excluded.val_accuracy, duration_ms=excluded.duration_ms`,
		id, e.Fold, e.Epoch, e.Loss, e.Accuracy, e.Samples, e.ValLoss, e.ValAccuracy, e.Duration.Milliseconds())
	return err
}

// LoadEpochs returns a run's epochs ordered by fold then epoch.
func (d *DB) LoadEpochs(ctx context.Context, id string) ([]Epoch, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT fold, epoch, loss, accuracy, samples, val_loss, val_accuracy, duration_ms
	FROM epochs WHERE run_id=? ORDER BY fold, epoch`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Epoch
	for rows.Next() {
		var e Epoch
		var vl, va sql.NullFloat64
		var ms int64
		if err := rows.Scan(&e.Fold, &e.Epoch, &e.Loss, &e.Accuracy, &e.Samples, &vl, &va, &ms); err != nil {
			return nil, err
		}
		if vl.Valid {
			e.ValLoss = &vl.Float64
		}
		if va.Valid {
			e.ValAccuracy = &va.Float64
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutEvaluation stores a scored group for a run.
func (d *DB) PutEvaluation(ctx context.Context, id string, ev Evaluation) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := d.sql.ExecContext(ctx, `INSERT INTO evaluations(run_id, grp, ts, loss, accuracy, samples) VALUES(?,?,?,?,?,?)`,
		id, ev.Group, ev.At.UnixMilli(), ev.Loss, ev.Accuracy, ev.Samples)
	return err
}

// LoadEvaluations returns a run's evaluations in insertion order.
func (d *DB) LoadEvaluations(ctx context.Context, id string) ([]Evaluation, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT grp, ts, loss, accuracy, samples FROM evaluations WHERE run_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		var ts int64
		if err := rows.Scan(&ev.Group, &ts, &ev.Loss, &ev.Accuracy, &ev.Samples); err != nil {
			return nil, err
		}
		ev.At = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

const runColumns = `id, detection, started_at, finished_at, status, COALESCE(error, ''), COALESCE(config, '')`

type scanner interface{ Scan(dest ...any) error }

func scanRun(s scanner) (Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	if err := s.Scan(&r.ID, &r.Detection, &started, &finished, &r.Status, &r.Error, &r.Config); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		r.FinishedAt = time.UnixMilli(finished.Int64).UTC()
	}
	return r, nil
}

// LoadRun returns one run by id.
func (d *DB) LoadRun(ctx context.Context, id string) (Run, error) {
	r, err := scanRun(d.sql.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.sql.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestTestSplit returns the newest run for detection that recorded a test group.
func (d *DB) LatestTestSplit(ctx context.Context, detection string) (string, dataset.Partition, error) {
	var id string
	err := d.sql.QueryRowContext(ctx, `SELECT r.id FROM runs r
	WHERE r.detection=? AND EXISTS (SELECT 1 FROM splits s WHERE s.run_id=r.id AND s.grp='test')
	ORDER BY r.started_at DESC, r.rowid DESC LIMIT 1`, detection).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", dataset.Partition{}, fmt.Errorf("%w: no run with a test split for %q", ErrNotFound, detection)
	}
	if err != nil {
		return "", dataset.Partition{}, err
	}
	p, err := d.LoadSplit(ctx, id)
	return id, p, err
}
