package stats

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"eegrun/internal/metrics"
	"eegrun/internal/model"
)

var ErrInvalidClass = errors.New("invalid class")

// Sink receives flushed session rows.
type Sink interface {
	AppendSummary(ctx context.Context, row model.SummaryRow) error
	AppendPredictions(ctx context.Context, row model.PredictionRow) error
}

type SessionInfo struct {
	SubjectID        int
	Mode             model.RunMode
	TransferLearning bool
}

// Record is a snapshot of one model's counters.
type Record struct {
	ModelID      string        `json:"model_id"`
	LeftCorrect  int           `json:"left_correct"`
	RightCorrect int           `json:"right_correct"`
	LeftTotal    int           `json:"left_total"`
	RightTotal   int           `json:"right_total"`
	Predictions  []int         `json:"predictions"`
	Runtime      time.Duration `json:"runtime"`
}

func (r Record) LeftIncorrect() int  { return r.LeftTotal - r.LeftCorrect }
func (r Record) RightIncorrect() int { return r.RightTotal - r.RightCorrect }
func (r Record) TotalTasks() int     { return r.LeftTotal + r.RightTotal }
func (r Record) CorrectTotal() int   { return r.LeftCorrect + r.RightCorrect }
func (r Record) IncorrectTotal() int { return r.TotalTasks() - r.CorrectTotal() }

// Accuracy is correct/total rounded to three places, or 0 with nothing correct.
func (r Record) Accuracy() float64 {
	correct, total := r.CorrectTotal(), r.TotalTasks()
	if correct == 0 || total == 0 {
		return 0
	}
	return math.Round(float64(correct)/float64(total)*1000) / 1000
}

// AccuracyString renders the accuracy with two significant digits.
func (r Record) AccuracyString() string {
	return formatAccuracy(r.Accuracy())
}

func formatAccuracy(v float64) string {
	s := strconv.FormatFloat(v, 'g', 2, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// ModelFamily drops the trailing "_<suffix>" from a model id.
func ModelFamily(modelID string) string {
	idx := strings.LastIndex(modelID, "_")
	if idx < 0 {
		return modelID
	}
	return modelID[:idx]
}

// Accumulator keeps running counters for one model during one session.
type Accumulator struct {
	info SessionInfo
	now  func() time.Time

	mu      sync.Mutex
	record  Record
	flushed bool
	// summary is set once its row is written; a retry only appends the
	// prediction row.
	summary        model.SummaryRow
	summaryWritten bool
}

func NewAccumulator(modelID string, info SessionInfo) *Accumulator {
	return &Accumulator{
		info:   info,
		now:    time.Now,
		record: Record{ModelID: modelID, Predictions: []int{}},
	}
}

// Record scores each sub-window label against target. A miss counts
// toward the total of the hand that was predicted instead.
func (a *Accumulator) Record(target model.Hand, labels []int) error {
	if err := checkClasses(target, labels); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, label := range labels {
		a.record.Predictions = append(a.record.Predictions, label)
		correct := label == target.Label()
		switch {
		case correct && target == model.Left:
			a.record.LeftCorrect++
			a.record.LeftTotal++
		case correct:
			a.record.RightCorrect++
			a.record.RightTotal++
		case target == model.Left:
			a.record.RightTotal++
		default:
			a.record.LeftTotal++
		}
		metrics.PredictionsTotal.WithLabelValues(a.record.ModelID, strconv.FormatBool(correct)).Inc()
	}
	return nil
}

func checkClasses(target model.Hand, labels []int) error {
	if !target.Valid() {
		return fmt.Errorf("%w: target %d", ErrInvalidClass, int(target))
	}
	for _, label := range labels {
		if !model.Hand(label).Valid() {
			return fmt.Errorf("%w: label %d", ErrInvalidClass, label)
		}
	}
	return nil
}

func (a *Accumulator) SetRuntime(d time.Duration) {
	a.mu.Lock()
	a.record.Runtime = d
	a.mu.Unlock()
}

func (a *Accumulator) Snapshot() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.record
	out.Predictions = append([]int(nil), a.record.Predictions...)
	return out
}

func (a *Accumulator) Flushed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushed
}

// Flush writes the summary and prediction rows once. Later calls return
// the first summary and write nothing.
func (a *Accumulator) Flush(ctx context.Context, sink Sink) (model.SummaryRow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushed {
		return a.summary, nil
	}
	if sink == nil {
		return model.SummaryRow{}, errors.New("flush: sink is required")
	}

	r := a.record
	if !a.summaryWritten {
		summary := model.SummaryRow{
			Timestamp:        a.now(),
			SubjectID:        a.info.SubjectID,
			ModelFamily:      ModelFamily(r.ModelID),
			Mode:             a.info.Mode,
			TransferLearning: a.info.TransferLearning,
			LeftCorrect:      r.LeftCorrect,
			RightCorrect:     r.RightCorrect,
			LeftIncorrect:    r.LeftIncorrect(),
			RightIncorrect:   r.RightIncorrect(),
			LeftTotal:        r.LeftTotal,
			RightTotal:       r.RightTotal,
			TotalTasks:       r.TotalTasks(),
			CorrectTotal:     r.CorrectTotal(),
			IncorrectTotal:   r.IncorrectTotal(),
			Accuracy:         r.AccuracyString(),
			RuntimeSeconds:   int(r.Runtime / time.Second),
		}
		if err := sink.AppendSummary(ctx, summary); err != nil {
			return model.SummaryRow{}, fmt.Errorf("flush %s summary: %w", r.ModelID, err)
		}
		a.summary = summary
		a.summaryWritten = true
	}
	predictions := model.PredictionRow{
		Timestamp:        a.summary.Timestamp,
		ModelID:          r.ModelID,
		Mode:             a.info.Mode,
		TransferLearning: a.info.TransferLearning,
		Predictions:      append([]int(nil), r.Predictions...),
	}
	if err := sink.AppendPredictions(ctx, predictions); err != nil {
		return model.SummaryRow{}, fmt.Errorf("flush %s predictions: %w", r.ModelID, err)
	}
	a.flushed = true
	return a.summary, nil
}
