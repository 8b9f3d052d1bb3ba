package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eegrun/internal/acquisition"
	"eegrun/internal/classify"
	"eegrun/internal/metrics"
	"eegrun/internal/model"
	"eegrun/internal/stats"
	"eegrun/internal/transfer"

	"github.com/google/uuid"
)

// DeviceController starts and stops the signal producer without blocking.
type DeviceController interface {
	Start(ctx context.Context) error
	Stop()
}

type SignalChannel interface {
	Open(ctx context.Context) error
	ReadWindow(ctx context.Context, totalSamples, channelCount int) ([][]int, error)
	Close() error
}

type Predictor interface {
	Predict(ctx context.Context, window model.Window) (classify.Prediction, error)
}

// ProgressFunc receives session events in order on the session goroutine.
type ProgressFunc func(model.Event)

type Config struct {
	SessionID        string
	SubjectID        int
	Mode             model.RunMode
	Tasks            int
	RunTime          time.Duration
	Rest             time.Duration
	Warmup           time.Duration
	TransferLearning bool
	ShowPredictions  bool

	Channels     int
	TotalSamples int
	SubWindows   int
	// SampleRate and FilterFlags are handed to Filter with each channel.
	SampleRate  int
	FilterFlags classify.FilterFlags

	// Models are tracked by the statistics accumulators, in report order.
	Models []string

	Device    DeviceController
	Channel   SignalChannel
	Predictor Predictor
	Filter    classify.Filter
	Sink      stats.Sink
	Transfer  *transfer.Buffer
	Logger    *slog.Logger
}

type Result struct {
	SessionID      string
	Outcome        Outcome
	TasksCompleted int
	Runtime        time.Duration
	Cause          error
	Summaries      []model.SummaryRow
}

// Orchestrator drives one session: open the device link, run the timed
// tasks, score predictions and flush statistics exactly once.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	stats  *stats.Set

	ran      atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	state   State
	session *model.Session
}

func New(cfg Config) (*Orchestrator, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Filter == nil {
		cfg.Filter = classify.PassthroughFilter{}
	}
	if cfg.Transfer == nil {
		cfg.Transfer = transfer.NewBuffer(transfer.Options{Enabled: false})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "experiment", "session_id", cfg.SessionID)

	session := &model.Session{
		ID:               cfg.SessionID,
		SubjectID:        cfg.SubjectID,
		Mode:             cfg.Mode,
		TaskCount:        cfg.Tasks,
		TransferLearning: cfg.TransferLearning,
		ShowPredictions:  cfg.ShowPredictions,
		Tasks:            model.GenerateTasks(cfg.Tasks, cfg.RunTime),
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		stats: stats.NewSet(cfg.Models, stats.SessionInfo{
			SubjectID:        cfg.SubjectID,
			Mode:             cfg.Mode,
			TransferLearning: cfg.TransferLearning,
		}),
		stopCh:  make(chan struct{}),
		state:   StateIdle,
		session: session,
	}, nil
}

func validate(cfg Config) error {
	switch {
	case cfg.Device == nil:
		return errors.New("device controller is required")
	case cfg.Channel == nil:
		return errors.New("signal channel is required")
	case cfg.Predictor == nil:
		return errors.New("predictor is required")
	case cfg.Sink == nil:
		return errors.New("statistics sink is required")
	case len(cfg.Models) == 0:
		return errors.New("at least one model is required")
	case !cfg.Mode.Valid():
		return fmt.Errorf("invalid run mode: %d", int(cfg.Mode))
	case cfg.Tasks <= 0:
		return fmt.Errorf("tasks must be positive: %d", cfg.Tasks)
	case cfg.Channels <= 0 || cfg.SubWindows <= 0 || cfg.TotalSamples <= 0:
		return fmt.Errorf("invalid window geometry: channels=%d sub_windows=%d total_samples=%d", cfg.Channels, cfg.SubWindows, cfg.TotalSamples)
	case cfg.TotalSamples%cfg.Channels != 0 || (cfg.TotalSamples/cfg.Channels)%cfg.SubWindows != 0:
		return fmt.Errorf("window of %d samples does not split into %d channels x %d sub-windows", cfg.TotalSamples, cfg.Channels, cfg.SubWindows)
	case cfg.Rest < 0 || cfg.Warmup < 0:
		return errors.New("rest and warmup must not be negative")
	}
	return nil
}

func (o *Orchestrator) SessionID() string {
	return o.cfg.SessionID
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	prev := o.state
	o.state = state
	o.mu.Unlock()
	o.logger.Debug("session state", "from", prev.String(), "to", state.String())
}

// Tasks returns snapshots of every task in the session.
func (o *Orchestrator) Tasks() []model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]model.Task, 0, len(o.session.Tasks))
	for _, task := range o.session.Tasks {
		out = append(out, *task)
	}
	return out
}

// Statistics returns per-model counters in model order.
func (o *Orchestrator) Statistics() []stats.Record {
	return o.stats.Records()
}

// Stop requests a cooperative stop. The device link is closed at once so
// a blocked window read returns; the session then flushes and closes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.logger.Info("session stop requested")
		o.releaseDevice()
	})
}

func (o *Orchestrator) stopRequested() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) releaseDevice() {
	if err := o.cfg.Channel.Close(); err != nil {
		o.logger.Warn("close device link", "error", err)
	}
	o.cfg.Device.Stop()
}

// HandOff passes the collected transfer learning data to retrainer once
// the session has closed.
func (o *Orchestrator) HandOff(ctx context.Context, retrainer transfer.Retrainer, done func(error)) error {
	if state := o.State(); state != StateClosed {
		return fmt.Errorf("hand-off requires a closed session, state=%s", state)
	}
	return o.cfg.Transfer.HandOff(ctx, retrainer, done)
}

// Handle tracks a session started with Start.
type Handle struct {
	done   chan struct{}
	result Result
	err    error
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Wait() (Result, error) {
	<-h.done
	return h.result, h.err
}

// Start runs the session on its own goroutine and returns immediately.
func (o *Orchestrator) Start(ctx context.Context, progress ProgressFunc) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.result, h.err = o.Run(ctx, progress)
	}()
	return h
}

// Run executes the session and blocks until it is closed. A degraded link
// or a Stop ends the session early without error; a lost link or an
// unreachable device returns the cause.
func (o *Orchestrator) Run(ctx context.Context, progress ProgressFunc) (Result, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return Result{}, errors.New("session already run")
	}
	if progress == nil {
		progress = func(model.Event) {}
	}
	result := Result{SessionID: o.cfg.SessionID}

	started := time.Now()
	o.mu.Lock()
	o.session.StartedAt = started
	o.session.Running = true
	o.mu.Unlock()
	o.logger.Info("session starting", "subject_id", o.cfg.SubjectID, "mode", o.cfg.Mode.String(), "tasks", o.cfg.Tasks)

	o.setState(StateOpening)
	if err := o.open(ctx); err != nil {
		result.Outcome = OutcomeAborted
		result.Cause = err
		if o.stopRequested() && !errors.Is(err, acquisition.ErrDeviceUnreachable) {
			result.Outcome, result.Cause = OutcomeStopped, nil
		}
		o.setState(StateAborted)
		return o.close(ctx, result, started, false)
	}

	if !o.sleep(ctx, o.cfg.Rest) {
		result.Outcome = OutcomeStopped
		if err := ctx.Err(); err != nil {
			result.Outcome, result.Cause = OutcomeAborted, err
			o.setState(StateAborted)
		} else {
			o.setState(StateCompleting)
		}
		return o.close(ctx, result, started, false)
	}

	o.setState(StateRunning)
	result.Outcome, result.TasksCompleted, result.Cause = o.runTasks(ctx, progress)
	if result.Outcome == OutcomeAborted {
		o.setState(StateAborted)
	} else {
		o.setState(StateCompleting)
	}
	return o.close(ctx, result, started, true)
}

func (o *Orchestrator) open(ctx context.Context) error {
	if err := o.cfg.Device.Start(ctx); err != nil {
		return fmt.Errorf("%w: start device: %v", acquisition.ErrDeviceUnreachable, err)
	}
	if !o.sleep(ctx, o.cfg.Warmup) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("stopped while warming up")
	}
	if err := o.cfg.Channel.Open(ctx); err != nil {
		o.logger.Error("device unreachable", "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) runTasks(ctx context.Context, progress ProgressFunc) (Outcome, int, error) {
	completed := 0
	for {
		if o.stopRequested() {
			return OutcomeStopped, completed, nil
		}
		if err := ctx.Err(); err != nil {
			return OutcomeAborted, completed, err
		}
		o.mu.Lock()
		task := o.session.NextTask()
		last := o.session.Current >= len(o.session.Tasks)
		o.mu.Unlock()
		if task == nil {
			return OutcomeCompleted, completed, nil
		}

		progress(model.Event{Kind: model.TaskStart, Task: o.snapshot(task)})
		if outcome, err := o.runTask(ctx, task); outcome != "" {
			metrics.TasksTotal.WithLabelValues("interrupted").Inc()
			return outcome, completed, err
		}
		completed++
		metrics.TasksTotal.WithLabelValues("recorded").Inc()
		progress(model.Event{Kind: model.TaskResult, Task: o.snapshot(task)})

		if !last || o.cfg.ShowPredictions {
			o.sleep(ctx, o.cfg.Rest)
		}
	}
}

// runTask acquires, classifies and scores one task. A non-empty outcome
// ends the session.
func (o *Orchestrator) runTask(ctx context.Context, task *model.Task) (Outcome, error) {
	rows, err := o.cfg.Channel.ReadWindow(ctx, o.cfg.TotalSamples, o.cfg.Channels)
	if err != nil {
		switch {
		case o.stopRequested():
			return OutcomeStopped, nil
		case ctx.Err() != nil:
			return OutcomeAborted, ctx.Err()
		case errors.Is(err, acquisition.ErrLinkDegraded):
			o.logger.Warn("device link degraded, stopping session", "task", task.Number, "error", err)
			return OutcomeSoftStopped, err
		default:
			o.logger.Error("device link lost, aborting session", "task", task.Number, "error", err)
			return OutcomeAborted, err
		}
	}

	window, err := classify.BuildWindow(rows, classify.WindowShape{
		Channels:   o.cfg.Channels,
		SubWindows: o.cfg.SubWindows,
		SampleRate: o.cfg.SampleRate,
		Flags:      o.cfg.FilterFlags,
	}, o.cfg.Filter)
	if err != nil {
		return OutcomeAborted, fmt.Errorf("task %d: %w", task.Number, err)
	}
	prediction, err := o.cfg.Predictor.Predict(ctx, window)
	if err != nil {
		if o.stopRequested() {
			return OutcomeStopped, nil
		}
		o.logger.Error("classification failed", "task", task.Number, "error", err)
		return OutcomeAborted, fmt.Errorf("task %d: %w", task.Number, err)
	}
	if err := o.stats.RecordAll(task.Target, prediction.Sets); err != nil {
		return OutcomeAborted, fmt.Errorf("task %d: %w", task.Number, err)
	}
	if o.cfg.Transfer.Enabled() {
		if err := o.cfg.Transfer.Append(window.Batch(), task.Target); err != nil {
			o.logger.Warn("transfer buffer append failed", "task", task.Number, "error", err)
		}
	}

	o.mu.Lock()
	task.Window = window
	task.Predictions = prediction.Sets
	task.Selected = prediction.Selected
	task.Majority = prediction.Majority
	task.Recorded = true
	o.mu.Unlock()
	o.logger.Info("task recorded", "task", task.Number, "target", task.Target.String(), "majority", prediction.Majority)
	return "", nil
}

func (o *Orchestrator) snapshot(task *model.Task) model.Task {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return *task
}

// close releases the device, flushes statistics when the session got past
// its initial rest and moves to Closed.
func (o *Orchestrator) close(ctx context.Context, result Result, started time.Time, flush bool) (Result, error) {
	o.releaseDevice()
	result.Runtime = time.Since(started)

	var flushErr error
	if flush {
		result.Summaries, flushErr = o.stats.FlushAll(context.WithoutCancel(ctx), o.cfg.Sink, result.Runtime)
		if flushErr != nil {
			o.logger.Error("statistics flush failed", "error", flushErr)
		}
	}

	o.mu.Lock()
	o.session.Running = false
	o.mu.Unlock()
	o.setState(StateClosed)
	metrics.SessionsTotal.WithLabelValues(string(result.Outcome)).Inc()
	o.logger.Info("session closed", "outcome", string(result.Outcome), "tasks_completed", result.TasksCompleted, "runtime", result.Runtime)

	switch result.Outcome {
	case OutcomeAborted:
		return result, result.Cause
	default:
		return result, flushErr
	}
}

// sleep waits for d and reports whether it elapsed without a stop request
// or cancellation.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	if o.stopRequested() || ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-o.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
