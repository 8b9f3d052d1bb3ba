package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"eegrun/internal/acquisition"
	"eegrun/internal/classify"
	"eegrun/internal/model"
	"eegrun/internal/stats"
	"eegrun/internal/storage"
	"eegrun/internal/transfer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testChannels     = 2
	testSubWindows   = 4
	testTotalSamples = 16
)

type fakeDevice struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (d *fakeDevice) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	return d.startErr
}

func (d *fakeDevice) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
}

func (d *fakeDevice) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stops
}

type readStep struct {
	err   error
	block bool
}

type fakeChannel struct {
	openErr error
	steps   []readStep

	mu        sync.Mutex
	reads     int
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(steps ...readStep) *fakeChannel {
	return &fakeChannel{steps: steps, closed: make(chan struct{})}
}

func (c *fakeChannel) Open(context.Context) error {
	return c.openErr
}

func (c *fakeChannel) ReadWindow(ctx context.Context, totalSamples, channelCount int) ([][]int, error) {
	c.mu.Lock()
	idx := c.reads
	c.reads++
	c.mu.Unlock()
	if idx < len(c.steps) {
		step := c.steps[idx]
		if step.block {
			select {
			case <-c.closed:
				return nil, fmt.Errorf("%w: use of closed network connection", acquisition.ErrLinkDegraded)
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if step.err != nil {
			return nil, step.err
		}
	}
	rows := make([][]int, totalSamples/channelCount)
	for i := range rows {
		rows[i] = make([]int, channelCount)
	}
	return rows, nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fixedPredictor answers every window with the same labels per model.
type fixedPredictor struct {
	labels   map[string][]int
	order    []string
	selected string
}

func (p fixedPredictor) Predict(_ context.Context, window model.Window) (classify.Prediction, error) {
	if window.SubWindows() != testSubWindows {
		return classify.Prediction{}, fmt.Errorf("unexpected window shape: %d", window.SubWindows())
	}
	var out classify.Prediction
	for _, id := range p.order {
		set := model.PredictionSet{ModelID: id, Labels: p.labels[id]}
		out.Sets = append(out.Sets, set)
		if id == p.selected {
			out.Selected = set
		}
	}
	majority, err := classify.MajorityLabel(out.Selected.Labels)
	if err != nil {
		return classify.Prediction{}, err
	}
	out.Majority = majority
	return out, nil
}

func defaultPredictor() fixedPredictor {
	return fixedPredictor{
		labels: map[string][]int{
			"EEGNet_Executed":         {1, 1, 1, 0},
			"ShallowConvNet_Executed": {0, 0, 0, 0},
		},
		order:    []string{"EEGNet_Executed", "ShallowConvNet_Executed"},
		selected: "EEGNet_Executed",
	}
}

type harness struct {
	device  *fakeDevice
	channel *fakeChannel
	sink    *storage.MemorySink
	events  []model.Event
	mu      sync.Mutex
}

func (h *harness) progress(event model.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *harness) kinds() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.events))
	for _, e := range h.events {
		out = append(out, fmt.Sprintf("%s:%d", e.Kind, e.Task.Number))
	}
	return out
}

func newHarness(t *testing.T, tasks int, channel *fakeChannel, mutate func(*Config)) (*harness, *Orchestrator) {
	t.Helper()
	h := &harness{device: &fakeDevice{}, channel: channel, sink: storage.NewMemorySink()}
	cfg := Config{
		SubjectID:    1,
		Mode:         model.Executed,
		Tasks:        tasks,
		RunTime:      time.Second,
		Channels:     testChannels,
		TotalSamples: testTotalSamples,
		SubWindows:   testSubWindows,
		Models:       []string{"EEGNet_Executed", "ShallowConvNet_Executed"},
		Device:       h.device,
		Channel:      channel,
		Predictor:    defaultPredictor(),
		Sink:         h.sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return h, o
}

func summaries(t *testing.T, sink *storage.MemorySink) []model.SummaryRow {
	t.Helper()
	rows, err := sink.Summaries(context.Background())
	require.NoError(t, err)
	return rows
}

func TestRunCompletesAllTasks(t *testing.T) {
	h, o := newHarness(t, 2, newFakeChannel(), nil)

	result, err := o.Run(context.Background(), h.progress)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 2, result.TasksCompleted)
	assert.Equal(t, o.SessionID(), result.SessionID)
	assert.Equal(t, []string{"task_start:1", "task_result:1", "task_start:2", "task_result:2"}, h.kinds())
	assert.Equal(t, StateClosed, o.State())

	rows := summaries(t, h.sink)
	require.Len(t, rows, 2)
	assert.Equal(t, "EEGNet", rows[0].ModelFamily)
	assert.Equal(t, "ShallowConvNet", rows[1].ModelFamily)
	for _, row := range rows {
		assert.Equal(t, 2*testSubWindows, row.TotalTasks)
		assert.Equal(t, row.TotalTasks, row.CorrectTotal+row.IncorrectTotal)
	}
	// task 1 targets right, task 2 left; EEGNet emits {1,1,1,0} both times
	assert.Equal(t, 3, rows[0].RightCorrect)
	assert.Equal(t, 1, rows[0].LeftCorrect)
	assert.Equal(t, "0.5", rows[0].Accuracy)

	predictions, err := h.sink.Predictions(context.Background())
	require.NoError(t, err)
	require.Len(t, predictions, 2)
	assert.Len(t, predictions[0].Predictions, 2*testSubWindows)

	tasks := o.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, model.Right, tasks[0].Target)
	assert.Equal(t, model.Left, tasks[1].Target)
	assert.True(t, tasks[0].Recorded)
	assert.Equal(t, 1, tasks[0].Majority)
	assert.True(t, tasks[0].Correct())
	assert.False(t, tasks[1].Correct())
	assert.Equal(t, 1, h.device.stopCount())
}

func TestTaskResultCarriesPredictions(t *testing.T) {
	h, o := newHarness(t, 1, newFakeChannel(), nil)
	_, err := o.Run(context.Background(), h.progress)
	require.NoError(t, err)

	require.Len(t, h.events, 2)
	start, result := h.events[0], h.events[1]
	assert.False(t, start.Task.Recorded)
	assert.Empty(t, start.Task.Predictions)
	assert.True(t, result.Task.Recorded)
	require.Len(t, result.Task.Predictions, 2)
	assert.Equal(t, "EEGNet_Executed", result.Task.Selected.ModelID)
	assert.Equal(t, testSubWindows, result.Task.Window.SubWindows())
}

func TestStatisticsRecordedBeforeTaskResult(t *testing.T) {
	var o *Orchestrator
	var seen []int
	h, o := newHarness(t, 2, newFakeChannel(), nil)
	_, err := o.Run(context.Background(), func(event model.Event) {
		h.progress(event)
		if event.Kind == model.TaskResult {
			seen = append(seen, o.Statistics()[0].TotalTasks())
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []int{testSubWindows, 2 * testSubWindows}, seen)
}

func TestRefusedConnectionAbortsWithoutFlush(t *testing.T) {
	channel := newFakeChannel()
	channel.openErr = fmt.Errorf("%w: dial 127.0.0.1:5151: connection refused", acquisition.ErrDeviceUnreachable)
	h, o := newHarness(t, 3, channel, nil)

	result, err := o.Run(context.Background(), h.progress)
	require.ErrorIs(t, err, acquisition.ErrDeviceUnreachable)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Empty(t, h.kinds())
	assert.Empty(t, summaries(t, h.sink))
	assert.Equal(t, StateClosed, o.State())
}

func TestDeviceStartFailureIsUnreachable(t *testing.T) {
	h, o := newHarness(t, 1, newFakeChannel(), nil)
	h.device.startErr = errors.New("address already in use")

	_, err := o.Run(context.Background(), h.progress)
	require.ErrorIs(t, err, acquisition.ErrDeviceUnreachable)
	assert.Contains(t, err.Error(), "address already in use")
	assert.Empty(t, summaries(t, h.sink))
}

func TestLinkLostAbortsAndFlushes(t *testing.T) {
	lost := fmt.Errorf("%w: connection reset by peer", acquisition.ErrLinkLost)
	h, o := newHarness(t, 3, newFakeChannel(readStep{}, readStep{err: lost}), nil)

	result, err := o.Run(context.Background(), h.progress)
	require.ErrorIs(t, err, acquisition.ErrLinkLost)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, []string{"task_start:1", "task_result:1", "task_start:2"}, h.kinds())

	rows := summaries(t, h.sink)
	require.Len(t, rows, 2)
	assert.Equal(t, testSubWindows, rows[0].TotalTasks)
	assert.Equal(t, StateClosed, o.State())
}

func TestLinkDegradedIsSoftStop(t *testing.T) {
	degraded := fmt.Errorf("%w: i/o timeout", acquisition.ErrLinkDegraded)
	h, o := newHarness(t, 3, newFakeChannel(readStep{}, readStep{err: degraded}), nil)

	result, err := o.Run(context.Background(), h.progress)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSoftStopped, result.Outcome)
	require.ErrorIs(t, result.Cause, acquisition.ErrLinkDegraded)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Len(t, summaries(t, h.sink), 2)
	assert.Len(t, result.Summaries, 2)
}

func TestStopInterruptsBlockedRead(t *testing.T) {
	channel := newFakeChannel(readStep{}, readStep{block: true})
	var o *Orchestrator
	h, o := newHarness(t, 3, channel, nil)

	result, err := o.Run(context.Background(), func(event model.Event) {
		h.progress(event)
		if event.Kind == model.TaskStart && event.Task.Number == 2 {
			go func() {
				time.Sleep(20 * time.Millisecond)
				o.Stop()
			}()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, 1, result.TasksCompleted)
	assert.Equal(t, []string{"task_start:1", "task_result:1", "task_start:2"}, h.kinds())
	assert.Len(t, summaries(t, h.sink), 2)
	o.Stop()
	assert.Equal(t, StateClosed, o.State())
}

func TestStopDuringRestEndsBeforeNextTask(t *testing.T) {
	var o *Orchestrator
	h, o := newHarness(t, 3, newFakeChannel(), func(cfg *Config) { cfg.Rest = 50 * time.Millisecond })

	result, err := o.Run(context.Background(), func(event model.Event) {
		h.progress(event)
		if event.Kind == model.TaskResult {
			o.Stop()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, []string{"task_start:1", "task_result:1"}, h.kinds())
	assert.Len(t, summaries(t, h.sink), 2)
}

func TestStartReturnsImmediately(t *testing.T) {
	channel := newFakeChannel(readStep{block: true})
	h, o := newHarness(t, 2, channel, nil)

	handle := o.Start(context.Background(), h.progress)
	select {
	case <-handle.Done():
		t.Fatal("session finished before stop")
	case <-time.After(30 * time.Millisecond):
	}
	o.Stop()

	result, err := handle.Wait()
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, result.Outcome)
	assert.Equal(t, 0, result.TasksCompleted)
}

func TestContextCancelAborts(t *testing.T) {
	channel := newFakeChannel(readStep{block: true})
	h, o := newHarness(t, 2, channel, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := o.Run(ctx, h.progress)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	// cancellation after the initial rest still flushes
	assert.Len(t, summaries(t, h.sink), 2)
}

func TestTrailingRestSkippedUnlessPredictionsShown(t *testing.T) {
	rest := 60 * time.Millisecond
	_, quiet := newHarness(t, 1, newFakeChannel(), func(cfg *Config) { cfg.Rest = rest })
	result, err := quiet.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Less(t, result.Runtime, 2*rest)

	_, shown := newHarness(t, 1, newFakeChannel(), func(cfg *Config) {
		cfg.Rest = rest
		cfg.ShowPredictions = true
	})
	result, err = shown.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Runtime, 2*rest)
}

func TestRunOnlyOnce(t *testing.T) {
	_, o := newHarness(t, 1, newFakeChannel(), nil)
	_, err := o.Run(context.Background(), nil)
	require.NoError(t, err)
	_, err = o.Run(context.Background(), nil)
	require.Error(t, err)
}

func TestHandOffAfterClose(t *testing.T) {
	buffer := transfer.NewBuffer(transfer.Options{Enabled: true, SubjectID: 1, Models: []string{"EEGNet_Executed"}})
	_, o := newHarness(t, 2, newFakeChannel(), func(cfg *Config) {
		cfg.TransferLearning = true
		cfg.Transfer = buffer
	})
	retrainer := &recordingRetrainer{}
	require.Error(t, o.HandOff(context.Background(), retrainer, nil))

	_, err := o.Run(context.Background(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, o.HandOff(context.Background(), retrainer, func(err error) { done <- err }))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hand-off did not complete")
	}
	require.Len(t, retrainer.requests, 1)
	assert.Len(t, retrainer.requests[0].Dataset.Samples, 2)
	assert.Len(t, retrainer.requests[0].Dataset.Labels, 2*testSubWindows)
	require.ErrorIs(t, o.HandOff(context.Background(), retrainer, nil), transfer.ErrConsumed)
}

type recordingRetrainer struct {
	requests []transfer.RetrainRequest
}

func (r *recordingRetrainer) Retrain(_ context.Context, req transfer.RetrainRequest) error {
	r.requests = append(r.requests, req)
	return nil
}

func TestNewValidatesConfig(t *testing.T) {
	base := Config{
		Mode:         model.Executed,
		Tasks:        1,
		Channels:     testChannels,
		TotalSamples: testTotalSamples,
		SubWindows:   testSubWindows,
		Models:       []string{"m"},
		Device:       &fakeDevice{},
		Channel:      newFakeChannel(),
		Predictor:    defaultPredictor(),
		Sink:         storage.NewMemorySink(),
	}
	_, err := New(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Config){
		"no device":     func(c *Config) { c.Device = nil },
		"no models":     func(c *Config) { c.Models = nil },
		"zero tasks":    func(c *Config) { c.Tasks = 0 },
		"bad geometry":  func(c *Config) { c.SubWindows = 3 },
		"negative rest": func(c *Config) { c.Rest = -time.Second },
	} {
		cfg := base
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err, name)
	}
}

func TestInvalidLabelAbortsWithoutPartialCounts(t *testing.T) {
	predictor := defaultPredictor()
	predictor.labels["ShallowConvNet_Executed"] = []int{1, 1, 1, 2}
	h, o := newHarness(t, 2, newFakeChannel(), func(cfg *Config) {
		cfg.Predictor = predictor
	})

	result, err := o.Run(context.Background(), h.progress)
	require.ErrorIs(t, err, stats.ErrInvalidClass)
	assert.Equal(t, OutcomeAborted, result.Outcome)
	assert.Equal(t, 0, result.TasksCompleted)
	assert.Equal(t, []string{"task_start:1"}, h.kinds())

	rows := summaries(t, h.sink)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Zero(t, row.TotalTasks, row.ModelFamily)
		assert.Zero(t, row.RightCorrect, row.ModelFamily)
	}
}

type recordingFilter struct {
	mu    sync.Mutex
	rates []int
	flags []classify.FilterFlags
}

func (f *recordingFilter) Apply(samples []float64, sampleRate int, flags classify.FilterFlags) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = append(f.rates, sampleRate)
	f.flags = append(f.flags, flags)
	return samples
}

func TestFilterReceivesRateAndFlags(t *testing.T) {
	filter := &recordingFilter{}
	flags := classify.FilterFlags{Notch: true, ArtifactRemoval: true}
	h, o := newHarness(t, 1, newFakeChannel(), func(cfg *Config) {
		cfg.Filter = filter
		cfg.SampleRate = 128
		cfg.FilterFlags = flags
	})

	_, err := o.Run(context.Background(), h.progress)
	require.NoError(t, err)
	require.Len(t, filter.rates, testChannels)
	for i := range filter.rates {
		assert.Equal(t, 128, filter.rates[i])
		assert.Equal(t, flags, filter.flags[i])
	}
}
