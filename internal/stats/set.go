package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"eegrun/internal/model"
)

// Set holds one accumulator per ensemble model, in ensemble order.
type Set struct {
	order []string
	byID  map[string]*Accumulator
}

func NewSet(modelIDs []string, info SessionInfo) *Set {
	s := &Set{byID: make(map[string]*Accumulator, len(modelIDs))}
	for _, id := range modelIDs {
		if _, ok := s.byID[id]; ok {
			continue
		}
		s.order = append(s.order, id)
		s.byID[id] = NewAccumulator(id, info)
	}
	return s
}

// RecordAll scores every prediction set that belongs to a tracked model.
// Every set is checked first, so an invalid label leaves all counters
// untouched.
func (s *Set) RecordAll(target model.Hand, sets []model.PredictionSet) error {
	for _, set := range sets {
		if _, ok := s.byID[set.ModelID]; !ok {
			continue
		}
		if err := checkClasses(target, set.Labels); err != nil {
			return fmt.Errorf("model %s: %w", set.ModelID, err)
		}
	}
	for _, set := range sets {
		acc, ok := s.byID[set.ModelID]
		if !ok {
			continue
		}
		if err := acc.Record(target, set.Labels); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll stamps runtime on every record and flushes each model once.
// Every model is attempted; errors are joined.
func (s *Set) FlushAll(ctx context.Context, sink Sink, runtime time.Duration) ([]model.SummaryRow, error) {
	rows := make([]model.SummaryRow, 0, len(s.order))
	var errs []error
	for _, id := range s.order {
		acc := s.byID[id]
		if !acc.Flushed() {
			acc.SetRuntime(runtime)
		}
		row, err := acc.Flush(ctx, sink)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, errors.Join(errs...)
}

func (s *Set) Records() []Record {
	out := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Snapshot())
	}
	return out
}
