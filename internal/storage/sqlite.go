package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjawhar/ghost-scribe/internal/output"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Run struct {
	ID         string           `json:"id"`
	CreatedAt  time.Time        `json:"created_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Status     string           `json:"status"`
	AudioFile  string           `json:"audio_file"`
	OutputFile string           `json:"output_file"`
	Error      string           `json:"error,omitempty"`
	Metadata   *output.Metadata `json:"metadata,omitempty"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "ghost-scribe.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			audio_file TEXT NOT NULL,
			output_file TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)"); err != nil {
		return fmt.Errorf("create runs index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_segments_run_id ON segments(run_id, position)"); err != nil {
		return fmt.Errorf("create segments index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateRun(id, audioFile, outputFile string, createdAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("run id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO runs(id, created_at, status, audio_file, output_file) VALUES(?, ?, ?, ?, ?)`,
		id,
		createdAt.UTC().Format(time.RFC3339Nano),
		RunQueued,
		audioFile,
		outputFile,
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRunning(id string) error {
	return s.exec1(fmt.Sprintf("mark run %s running", id),
		`UPDATE runs SET status = ? WHERE id = ?`, RunRunning, id)
}

// CompleteRun stores the annotated segments and final metadata atomically.
func (s *SQLiteStore) CompleteRun(id string, finishedAt time.Time, meta output.Metadata, segments []transcribe.Segment) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for run %s: %w", id, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin complete run %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, error = '', metadata = ? WHERE id = ?`,
		RunCompleted,
		finishedAt.UTC().Format(time.RFC3339Nano),
		string(encoded),
		id,
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", id, err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete run rows affected: %w", err)
	} else if rows == 0 {
		return sql.ErrNoRows
	}

	if _, err := tx.Exec(`DELETE FROM segments WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("clear segments for run %s: %w", id, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO segments(run_id, position, speaker, text, start_time, end_time) VALUES(?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare segment insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, seg := range segments {
		if _, err := stmt.Exec(id, i, seg.Speaker, strings.TrimSpace(seg.Text), seg.Start, seg.End); err != nil {
			return fmt.Errorf("insert segment %d for run %s: %w", i, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) FailRun(id string, finishedAt time.Time, meta output.Metadata) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata for run %s: %w", id, err)
	}
	return s.exec1(fmt.Sprintf("fail run %s", id),
		`UPDATE runs SET status = ?, finished_at = ?, error = ?, metadata = ? WHERE id = ?`,
		RunFailed,
		finishedAt.UTC().Format(time.RFC3339Nano),
		meta.Error,
		string(encoded),
		id,
	)
}

func (s *SQLiteStore) GetRunsByDate(date string) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, finished_at, status, audio_file, output_file, error, metadata
		 FROM runs
		 WHERE substr(created_at, 1, 10) = ?
		 ORDER BY created_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	runs := make([]Run, 0, 16)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs rows: %w", err)
	}

	return runs, nil
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(created_at, 1, 10) AS date FROM runs ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetRun(id string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, finished_at, status, audio_file, output_file, error, metadata FROM runs WHERE id = ?`,
		id,
	)
	run, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("query run %s: %w", id, err)
	}
	return run, nil
}

func (s *SQLiteStore) GetSegments(runID string) ([]transcribe.Segment, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, start_time, end_time
		 FROM segments
		 WHERE run_id = ?
		 ORDER BY position ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]transcribe.Segment, 0, 32)
	for rows.Next() {
		var seg transcribe.Segment
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.Start, &seg.End); err != nil {
			return nil, fmt.Errorf("scan segment for run %s: %w", runID, err)
		}
		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for run %s: %w", runID, err)
	}

	return segments, nil
}

func (s *SQLiteStore) exec1(what, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", what, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var createdAt, metadata string
	var finishedAt sql.NullString
	if err := row.Scan(&run.ID, &createdAt, &finishedAt, &run.Status, &run.AudioFile, &run.OutputFile, &run.Error, &metadata); err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}

	parsedCreated, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Run{}, fmt.Errorf("parse created_at: %w", err)
	}
	run.CreatedAt = parsedCreated

	if finishedAt.Valid {
		parsedFinished, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse finished_at: %w", err)
		}
		run.FinishedAt = &parsedFinished
	}

	if metadata != "" {
		var m output.Metadata
		if err := json.Unmarshal([]byte(metadata), &m); err != nil {
			return Run{}, fmt.Errorf("decode metadata for run %s: %w", run.ID, err)
		}
		run.Metadata = &m
	}

	return run, nil
}
