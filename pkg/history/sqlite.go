package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/selfheald/selfheald/pkg/recovery"
)

// timeLayout keeps a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists records and scores in a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	if cleaned != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", cleaned)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	store := &SQLiteStore{db: db, path: cleaned}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS recovery_records (
			id TEXT PRIMARY KEY,
			node TEXT,
			plan_id TEXT,
			started_at TEXT,
			finished_at TEXT,
			overall_success INTEGER,
			aborted INTEGER,
			payload TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS recovery_records_started_at ON recovery_records (started_at);`,
		`CREATE TABLE IF NOT EXISTS effectiveness (
			action TEXT NOT NULL,
			problem_type TEXT NOT NULL,
			value REAL NOT NULL,
			updated_at TEXT,
			PRIMARY KEY (action, problem_type)
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialise sqlite schema: %w", err)
		}
	}
	return nil
}

// Save implements recovery.Store.
func (s *SQLiteStore) Save(ctx context.Context, record recovery.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode recovery record: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO recovery_records
		(id, node, plan_id, started_at, finished_at, overall_success, aborted, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.Node,
		record.Plan.ID,
		record.StartedAt.UTC().Format(timeLayout),
		record.FinishedAt.UTC().Format(timeLayout),
		boolToInt(record.OverallSuccess),
		boolToInt(record.Aborted),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert recovery record: %w", err)
	}
	for _, score := range record.ScoreUpdates {
		_, err = tx.ExecContext(ctx, `INSERT INTO effectiveness (action, problem_type, value, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(action, problem_type) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			score.Action, string(score.Problem), score.Value, record.FinishedAt.UTC().Format(timeLayout))
		if err != nil {
			return fmt.Errorf("upsert effectiveness score: %w", err)
		}
	}
	return tx.Commit()
}

// LoadEffectiveness implements recovery.Store.
func (s *SQLiteStore) LoadEffectiveness(ctx context.Context) ([]recovery.Score, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action, problem_type, value FROM effectiveness ORDER BY action, problem_type`)
	if err != nil {
		return nil, fmt.Errorf("query effectiveness scores: %w", err)
	}
	defer rows.Close()
	var scores []recovery.Score
	for rows.Next() {
		var score recovery.Score
		var problem string
		if err := rows.Scan(&score.Action, &problem, &score.Value); err != nil {
			return nil, err
		}
		score.Problem = recovery.ProblemType(problem)
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]recovery.Record, error) {
	query := `SELECT payload FROM recovery_records ORDER BY started_at DESC, rowid DESC`
	var args []interface{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recovery records: %w", err)
	}
	defer rows.Close()
	var records []recovery.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var record recovery.Record
		if err := json.Unmarshal([]byte(payload), &record); err != nil {
			return nil, fmt.Errorf("decode recovery record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
