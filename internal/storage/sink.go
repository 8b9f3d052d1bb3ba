package storage

import (
	"context"

	"eegrun/internal/model"
)

// Sink persists session results as append-only rows.
type Sink interface {
	Init(ctx context.Context) error
	AppendSummary(ctx context.Context, row model.SummaryRow) error
	AppendPredictions(ctx context.Context, row model.PredictionRow) error
	Summaries(ctx context.Context) ([]model.SummaryRow, error)
	Predictions(ctx context.Context) ([]model.PredictionRow, error)
}
