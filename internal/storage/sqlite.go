//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"eegrun/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteSink struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteSink(path string) *SQLiteSink {
	return &SQLiteSink{path: path}
}

func newSQLiteSink(path string) (Sink, error) {
	return NewSQLiteSink(path), nil
}

func (s *SQLiteSink) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func (s *SQLiteSink) AppendSummary(ctx context.Context, row model.SummaryRow) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO results (
			created_at, subject_id, model_family, run_mode, transfer_learning,
			left_correct, right_correct, left_incorrect, right_incorrect,
			left_total, right_total, total_tasks, correct_total, incorrect_total,
			accuracy, runtime_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Timestamp.UTC().Format(time.RFC3339Nano), row.SubjectID, row.ModelFamily, int(row.Mode), row.TransferLearning,
		row.LeftCorrect, row.RightCorrect, row.LeftIncorrect, row.RightIncorrect,
		row.LeftTotal, row.RightTotal, row.TotalTasks, row.CorrectTotal, row.IncorrectTotal,
		row.Accuracy, row.RuntimeSeconds)
	return err
}

func (s *SQLiteSink) AppendPredictions(ctx context.Context, row model.PredictionRow) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO predictions (created_at, model_id, run_mode, transfer_learning, labels)
		VALUES (?, ?, ?, ?, ?)
	`, row.Timestamp.UTC().Format(time.RFC3339Nano), row.ModelID, int(row.Mode), row.TransferLearning, row.Joined())
	return err
}

func (s *SQLiteSink) Summaries(ctx context.Context) ([]model.SummaryRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, subject_id, model_family, run_mode, transfer_learning,
			left_correct, right_correct, left_incorrect, right_incorrect,
			left_total, right_total, total_tasks, correct_total, incorrect_total,
			accuracy, runtime_seconds
		FROM results ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SummaryRow
	for rows.Next() {
		var (
			row     model.SummaryRow
			created string
			mode    int
		)
		if err := rows.Scan(&created, &row.SubjectID, &row.ModelFamily, &mode, &row.TransferLearning,
			&row.LeftCorrect, &row.RightCorrect, &row.LeftIncorrect, &row.RightIncorrect,
			&row.LeftTotal, &row.RightTotal, &row.TotalTasks, &row.CorrectTotal, &row.IncorrectTotal,
			&row.Accuracy, &row.RuntimeSeconds); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, err
		}
		row.Timestamp = ts
		row.Mode = model.RunMode(mode)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Predictions(ctx context.Context) ([]model.PredictionRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT created_at, model_id, run_mode, transfer_learning, labels
		FROM predictions ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PredictionRow
	for rows.Next() {
		var (
			row     model.PredictionRow
			created string
			mode    int
			labels  string
		)
		if err := rows.Scan(&created, &row.ModelID, &mode, &row.TransferLearning, &labels); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, err
		}
		row.Timestamp = ts
		row.Mode = model.RunMode(mode)
		if row.Predictions, err = splitLabels(labels); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteSink) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sink is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			subject_id INTEGER NOT NULL,
			model_family TEXT NOT NULL,
			run_mode INTEGER NOT NULL,
			transfer_learning BOOLEAN NOT NULL,
			left_correct INTEGER NOT NULL,
			right_correct INTEGER NOT NULL,
			left_incorrect INTEGER NOT NULL,
			right_incorrect INTEGER NOT NULL,
			left_total INTEGER NOT NULL,
			right_total INTEGER NOT NULL,
			total_tasks INTEGER NOT NULL,
			correct_total INTEGER NOT NULL,
			incorrect_total INTEGER NOT NULL,
			accuracy TEXT NOT NULL,
			runtime_seconds INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS predictions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			model_id TEXT NOT NULL,
			run_mode INTEGER NOT NULL,
			transfer_learning BOOLEAN NOT NULL,
			labels TEXT NOT NULL
		);
	`)
	return err
}
