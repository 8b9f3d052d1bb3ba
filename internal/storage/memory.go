package storage

import (
	"context"
	"sync"

	"eegrun/internal/model"
)

type MemorySink struct {
	mu          sync.RWMutex
	summaries   []model.SummaryRow
	predictions []model.PredictionRow
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Init(_ context.Context) error {
	return nil
}

func (s *MemorySink) AppendSummary(_ context.Context, row model.SummaryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, row)
	return nil
}

func (s *MemorySink) AppendPredictions(_ context.Context, row model.PredictionRow) error {
	row.Predictions = append([]int(nil), row.Predictions...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.predictions = append(s.predictions, row)
	return nil
}

func (s *MemorySink) Summaries(_ context.Context) ([]model.SummaryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.SummaryRow(nil), s.summaries...), nil
}

func (s *MemorySink) Predictions(_ context.Context) ([]model.PredictionRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PredictionRow(nil), s.predictions...), nil
}
