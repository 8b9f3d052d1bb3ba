package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"eegrun/internal/model"
)

const (
	ResultsFile     = "results.csv"
	PredictionsFile = "predictions.csv"
)

// CSVSink appends header-less rows to results.csv and predictions.csv in Dir.
type CSVSink struct {
	dir string
	mu  sync.Mutex
}

func NewCSVSink(dir string) *CSVSink {
	return &CSVSink{dir: dir}
}

func (s *CSVSink) Init(_ context.Context) error {
	if s.dir == "" {
		return nil
	}
	return os.MkdirAll(s.dir, 0o755)
}

func (s *CSVSink) AppendSummary(_ context.Context, row model.SummaryRow) error {
	return s.appendRecord(ResultsFile, encodeSummary(row))
}

func (s *CSVSink) AppendPredictions(_ context.Context, row model.PredictionRow) error {
	return s.appendRecord(PredictionsFile, encodePredictions(row))
}

func (s *CSVSink) Summaries(_ context.Context) ([]model.SummaryRow, error) {
	records, err := s.readRecords(ResultsFile)
	if err != nil {
		return nil, err
	}
	rows := make([]model.SummaryRow, 0, len(records))
	for i, record := range records {
		row, err := decodeSummary(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", ResultsFile, i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *CSVSink) Predictions(_ context.Context) ([]model.PredictionRow, error) {
	records, err := s.readRecords(PredictionsFile)
	if err != nil {
		return nil, err
	}
	rows := make([]model.PredictionRow, 0, len(records))
	for i, record := range records {
		row, err := decodePredictions(record)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", PredictionsFile, i+1, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *CSVSink) appendRecord(name string, record []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	w.UseCRLF = true
	if err := w.Write(record); err != nil {
		_ = f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (s *CSVSink) readRecords(name string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return [][]string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var records [][]string
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
