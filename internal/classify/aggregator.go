package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"eegrun/internal/model"

	"golang.org/x/sync/errgroup"
)

var ErrNoPredictions = errors.New("no predictions")

// ModelRef names a model and the weights it should run with.
type ModelRef struct {
	ID      string   `json:"id"`
	Weights Artifact `json:"weights"`
}

// Inferer runs one model over a batch shaped sub-windows x samples x
// channels and returns one class label per sub-window.
type Inferer interface {
	Predict(ctx context.Context, ref ModelRef, batch [][][]float64) ([]int, error)
}

type AggregatorOptions struct {
	Ensemble  []ModelRef
	Selected  ModelRef
	Mode      model.RunMode
	SubjectID int
	Inferer   Inferer
	// Weights overrides per-subject weights; nil keeps the refs as given.
	Weights WeightRegistry
	Logger  *slog.Logger
}

// Aggregator dispatches task windows to the ensemble and reduces the
// selected model's labels to a majority vote.
type Aggregator struct {
	inferer     Inferer
	ensemble    []ModelRef
	selected    ModelRef
	selectedIdx int
	logger      *slog.Logger
}

type Prediction struct {
	Sets     []model.PredictionSet
	Selected model.PredictionSet
	Majority int
}

func NewAggregator(opts AggregatorOptions) (*Aggregator, error) {
	if opts.Inferer == nil {
		return nil, errors.New("inferer is required")
	}
	if opts.Selected.ID == "" {
		return nil, errors.New("selected model is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		inferer:     opts.Inferer,
		selectedIdx: -1,
		logger:      logger.With("component", "classify"),
	}

	seen := make(map[string]struct{}, len(opts.Ensemble))
	for _, ref := range opts.Ensemble {
		if ref.ID == "" {
			return nil, errors.New("ensemble model id is required")
		}
		if _, dup := seen[ref.ID]; dup {
			return nil, fmt.Errorf("duplicate ensemble model: %s", ref.ID)
		}
		seen[ref.ID] = struct{}{}
		a.ensemble = append(a.ensemble, a.resolve(ref, opts))
	}
	for i, ref := range a.ensemble {
		if ref.ID == opts.Selected.ID {
			a.selectedIdx = i
			a.selected = ref
		}
	}
	if a.selectedIdx < 0 {
		a.selected = a.resolve(opts.Selected, opts)
	}
	return a, nil
}

func (a *Aggregator) resolve(ref ModelRef, opts AggregatorOptions) ModelRef {
	if opts.Weights == nil {
		return ref
	}
	key := WeightKey{ModelID: ref.ID, Mode: opts.Mode, SubjectID: opts.SubjectID}
	artifact, ok := opts.Weights.Resolve(key)
	if !ok {
		a.logger.Warn("subject weights not found, using default weights", "model", ref.ID, "subject", opts.SubjectID, "mode", opts.Mode.String())
		return ref
	}
	ref.Weights = artifact
	return ref
}

func (a *Aggregator) Ensemble() []ModelRef {
	return append([]ModelRef(nil), a.ensemble...)
}

func (a *Aggregator) Selected() ModelRef {
	return a.selected
}

// Predict runs every ensemble model concurrently. Sets keep ensemble order.
func (a *Aggregator) Predict(ctx context.Context, window model.Window) (Prediction, error) {
	subs := window.SubWindows()
	if subs == 0 {
		return Prediction{}, errors.New("empty window")
	}
	batch := window.Batch()

	sets := make([]model.PredictionSet, len(a.ensemble))
	var selected model.PredictionSet
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range a.ensemble {
		g.Go(func() error {
			set, err := a.predictOne(gctx, ref, batch, subs)
			if err != nil {
				return err
			}
			sets[i] = set
			return nil
		})
	}
	if a.selectedIdx < 0 {
		g.Go(func() error {
			set, err := a.predictOne(gctx, a.selected, batch, subs)
			if err != nil {
				return err
			}
			selected = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Prediction{}, err
	}
	if a.selectedIdx >= 0 {
		selected = sets[a.selectedIdx]
	}

	majority, err := MajorityLabel(selected.Labels)
	if err != nil {
		return Prediction{}, fmt.Errorf("model %s: %w", selected.ModelID, err)
	}
	return Prediction{Sets: sets, Selected: selected, Majority: majority}, nil
}

func (a *Aggregator) predictOne(ctx context.Context, ref ModelRef, batch [][][]float64, subs int) (model.PredictionSet, error) {
	labels, err := a.inferer.Predict(ctx, ref, batch)
	if err != nil {
		return model.PredictionSet{}, fmt.Errorf("predict %s: %w", ref.ID, err)
	}
	if len(labels) != subs {
		return model.PredictionSet{}, fmt.Errorf("predict %s: got %d labels for %d sub-windows", ref.ID, len(labels), subs)
	}
	return model.PredictionSet{ModelID: ref.ID, Labels: labels}, nil
}

// MajorityLabel returns the most frequent label. Ties go to the smallest
// label.
func MajorityLabel(labels []int) (int, error) {
	if len(labels) == 0 {
		return 0, ErrNoPredictions
	}
	counts := make(map[int]int, 2)
	for _, label := range labels {
		counts[label]++
	}
	keys := make([]int, 0, len(counts))
	for label := range counts {
		keys = append(keys, label)
	}
	sort.Ints(keys)
	best := keys[0]
	for _, label := range keys[1:] {
		if counts[label] > counts[best] {
			best = label
		}
	}
	return best, nil
}
