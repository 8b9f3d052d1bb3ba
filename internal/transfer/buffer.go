package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"eegrun/internal/metrics"
	"eegrun/internal/model"
)

var (
	ErrRetrainingFailure = errors.New("retraining failure")
	ErrConsumed          = errors.New("transfer buffer already handed off")
	ErrDisabled          = errors.New("transfer learning disabled")
)

// Dataset holds one batch per task, sub-windows x samples x channels, and
// one label per sub-window.
type Dataset struct {
	Samples [][][][]float64 `json:"samples"`
	Labels  []int           `json:"labels"`
}

func (d Dataset) Empty() bool {
	return len(d.Samples) == 0
}

type RetrainRequest struct {
	SubjectID int           `json:"subject_id"`
	Mode      model.RunMode `json:"mode"`
	Models    []string      `json:"models"`
	Dataset   Dataset       `json:"dataset"`
}

type Retrainer interface {
	Retrain(ctx context.Context, req RetrainRequest) error
}

type Options struct {
	Enabled   bool
	SubjectID int
	Mode      model.RunMode
	Models    []string
	Logger    *slog.Logger
}

// Buffer collects labelled task windows during a session and hands them
// to a retrainer exactly once.
type Buffer struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	data     Dataset
	consumed bool
}

func NewBuffer(opts Options) *Buffer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{opts: opts, logger: logger.With("component", "transfer")}
}

func (b *Buffer) Enabled() bool {
	return b.opts.Enabled
}

// Append stores one task batch labelled with target. It is a no-op when
// transfer learning is disabled.
func (b *Buffer) Append(batch [][][]float64, target model.Hand) error {
	if !b.opts.Enabled {
		return nil
	}
	if !target.Valid() {
		return fmt.Errorf("invalid target: %d", int(target))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return ErrConsumed
	}
	b.data.Samples = append(b.data.Samples, batch)
	for range batch {
		b.data.Labels = append(b.data.Labels, target.Label())
	}
	return nil
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data.Samples)
}

// HandOff passes the buffered dataset to retrainer on a background
// goroutine and returns immediately. done always runs once the retrainer
// returns, with an error wrapping ErrRetrainingFailure on failure. The
// buffer is emptied either way.
func (b *Buffer) HandOff(ctx context.Context, retrainer Retrainer, done func(error)) error {
	if !b.opts.Enabled {
		return ErrDisabled
	}
	if retrainer == nil {
		return errors.New("retrainer is required")
	}
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		return ErrConsumed
	}
	b.consumed = true
	data := b.data
	b.data = Dataset{}
	b.mu.Unlock()

	req := RetrainRequest{
		SubjectID: b.opts.SubjectID,
		Mode:      b.opts.Mode,
		Models:    append([]string(nil), b.opts.Models...),
		Dataset:   data,
	}
	go func() {
		err := b.retrain(ctx, retrainer, req)
		if done != nil {
			done(err)
		}
	}()
	return nil
}

func (b *Buffer) retrain(ctx context.Context, retrainer Retrainer, req RetrainRequest) error {
	if req.Dataset.Empty() {
		b.logger.Warn("not retraining, no task data was collected")
		metrics.HandOffsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	b.logger.Info("retraining started", "tasks", len(req.Dataset.Samples), "models", len(req.Models))
	if err := retrainer.Retrain(ctx, req); err != nil {
		metrics.HandOffsTotal.WithLabelValues("failed").Inc()
		wrapped := fmt.Errorf("%w: %v", ErrRetrainingFailure, err)
		b.logger.Error("retraining failed", "error", wrapped)
		return wrapped
	}
	metrics.HandOffsTotal.WithLabelValues("ok").Inc()
	b.logger.Info("retraining finished")
	return nil
}
