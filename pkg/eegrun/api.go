package eegrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"eegrun/internal/acquisition"
	"eegrun/internal/classify"
	"eegrun/internal/config"
	"eegrun/internal/device"
	"eegrun/internal/experiment"
	"eegrun/internal/inference"
	"eegrun/internal/model"
	"eegrun/internal/stats"
	"eegrun/internal/storage"
	"eegrun/internal/transfer"
)

const defaultReportsDir = "sessions"

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Inferer and Retrainer override the collaborators derived from
	// Config.Inference.
	Inferer   classify.Inferer
	Retrainer transfer.Retrainer
	// Sink overrides Config.Storage.
	Sink       storage.Sink
	ReportsDir string
}

type Client struct {
	cfg        config.Config
	logger     *slog.Logger
	sink       storage.Sink
	inferer    classify.Inferer
	retrainer  transfer.Retrainer
	reportsDir string
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sink := opts.Sink
	if sink == nil {
		var err error
		sink, err = storage.NewSink(cfg.Storage.Kind, cfg.Storage.Dir, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
	}

	inferer, retrainer := opts.Inferer, opts.Retrainer
	switch {
	case cfg.Inference.URL != "":
		client := inference.NewClient(cfg.Inference.URL, cfg.Inference.Timeout)
		if inferer == nil {
			inferer = client
		}
		if retrainer == nil {
			retrainer = client
		}
	case cfg.Device.Mode == config.DeviceModeMock:
		random := inference.NewRandom(cfg.Inference.Seed)
		if inferer == nil {
			inferer = random
		}
		if retrainer == nil {
			retrainer = random
		}
	}
	if inferer == nil {
		return nil, fmt.Errorf("%w: inference.url is required in %s mode", config.ErrInvalidConfig, cfg.Device.Mode)
	}

	reportsDir := opts.ReportsDir
	if reportsDir == "" {
		reportsDir = filepath.Join(cfg.Storage.Dir, defaultReportsDir)
	}

	return &Client{
		cfg:        cfg,
		logger:     logger,
		sink:       sink,
		inferer:    inferer,
		retrainer:  retrainer,
		reportsDir: reportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.sink)
}

func (c *Client) Init(ctx context.Context) error {
	return c.sink.Init(ctx)
}

func (c *Client) Config() config.Config {
	return c.cfg
}

// Models lists the base models found in the models directory for mode.
func (c *Client) Models(_ context.Context, mode model.RunMode) ([]classify.ModelInfo, error) {
	catalog, err := classify.ScanCatalog(c.cfg.Models.Dir)
	if err != nil {
		return nil, err
	}
	return catalog.Models(mode), nil
}

func (c *Client) Summaries(ctx context.Context) ([]model.SummaryRow, error) {
	return c.sink.Summaries(ctx)
}

type SessionsRequest struct {
	Limit int
}

func (c *Client) Sessions(_ context.Context, req SessionsRequest) ([]stats.SessionIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListSessionIndex(c.reportsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// Session is one configured, not yet finished, acquisition session.
type Session struct {
	client       *Client
	orchestrator *experiment.Orchestrator
	device       *device.Supervisor
	selected     string
	models       []string
}

// NewSession wires device, acquisition, classification and statistics
// for one run of the configured session.
func (c *Client) NewSession(_ context.Context) (*Session, error) {
	cfg := c.cfg
	mode := cfg.RunMode()

	ensemble, selected, err := c.resolveModels(mode)
	if err != nil {
		return nil, err
	}
	aggregator, err := classify.NewAggregator(classify.AggregatorOptions{
		Ensemble:  ensemble,
		Selected:  selected,
		Mode:      mode,
		SubjectID: cfg.Session.SubjectID,
		Inferer:   c.inferer,
		Weights:   classify.DirWeights{Dir: cfg.Models.Dir},
		Logger:    c.logger,
	})
	if err != nil {
		return nil, err
	}
	modelIDs := make([]string, 0, len(ensemble))
	for _, ref := range aggregator.Ensemble() {
		modelIDs = append(modelIDs, ref.ID)
	}

	dev := device.New(device.Options{
		Mode:        cfg.Device.Mode,
		Host:        cfg.Device.Host,
		Port:        cfg.Device.Port,
		DeviceType:  cfg.Device.Type,
		Command:     cfg.Device.Command,
		RunParams:   cfg.Device.RunParams,
		LogPath:     cfg.Device.LogPath,
		MaxRestarts: cfg.Device.MaxRestarts,
		StopGrace:   cfg.Device.StopGrace,
		Channels:    cfg.Acquisition.Channels,
		SampleRate:  cfg.Acquisition.SampleRate,
		Seed:        cfg.Device.MockSeed,
		Logger:      c.logger,
	})
	channel := &deviceLink{
		device: dev,
		opts: acquisition.Options{
			BufferSize:  cfg.Acquisition.BufferSize,
			ReadPause:   cfg.Acquisition.ReadPause,
			ReadTimeout: cfg.Acquisition.ReadTimeout,
			DialTimeout: cfg.Acquisition.DialTimeout,
			Logger:      c.logger,
		},
	}
	buffer := transfer.NewBuffer(transfer.Options{
		Enabled:   cfg.Session.TransferLearning,
		SubjectID: cfg.Session.SubjectID,
		Mode:      mode,
		Models:    modelIDs,
		Logger:    c.logger,
	})

	filterFlags := classify.FilterFlags{
		Notch:           cfg.Acquisition.Filters.Notch,
		BandPass:        cfg.Acquisition.Filters.BandPass,
		ArtifactRemoval: cfg.Acquisition.Filters.ArtifactRemoval,
	}
	orchestrator, err := experiment.New(experiment.Config{
		SubjectID:        cfg.Session.SubjectID,
		Mode:             mode,
		Tasks:            cfg.Session.Tasks,
		RunTime:          time.Duration(cfg.Session.RunTimeSeconds) * time.Second,
		Rest:             cfg.Session.Rest,
		Warmup:           cfg.Device.Warmup,
		TransferLearning: cfg.Session.TransferLearning,
		ShowPredictions:  cfg.Session.ShowPredictions,
		Channels:         cfg.Acquisition.Channels,
		TotalSamples:     cfg.TotalSamples(),
		SubWindows:       cfg.Session.SubWindows,
		SampleRate:       cfg.Acquisition.SampleRate,
		FilterFlags:      filterFlags,
		Models:           modelIDs,
		Device:           dev,
		Channel:          channel,
		Predictor:        aggregator,
		Sink:             c.sink,
		Transfer:         buffer,
		Logger:           c.logger,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		client:       c,
		orchestrator: orchestrator,
		device:       dev,
		selected:     aggregator.Selected().ID,
		models:       modelIDs,
	}, nil
}

// resolveModels picks the ensemble from config, falling back to every
// catalogued model for mode. The selected model defaults to the first
// ensemble member.
func (c *Client) resolveModels(mode model.RunMode) ([]classify.ModelRef, classify.ModelRef, error) {
	catalog, scanErr := classify.ScanCatalog(c.cfg.Models.Dir)
	if scanErr != nil && !errors.Is(scanErr, os.ErrNotExist) {
		return nil, classify.ModelRef{}, scanErr
	}
	refFor := func(id string) classify.ModelRef {
		if catalog != nil {
			if info, ok := catalog.Find(mode, id); ok {
				return classify.ModelRef{ID: id, Weights: classify.Artifact{Path: info.Path}}
			}
		}
		return classify.ModelRef{ID: id, Weights: classify.Artifact{Path: filepath.Join(c.cfg.Models.Dir, id+".h5")}}
	}

	var ensemble []classify.ModelRef
	if len(c.cfg.Models.Ensemble) > 0 {
		for _, id := range c.cfg.Models.Ensemble {
			ensemble = append(ensemble, refFor(id))
		}
	} else if catalog != nil {
		for _, info := range catalog.Models(mode) {
			ensemble = append(ensemble, refFor(info.ID))
		}
	}
	if len(ensemble) == 0 {
		return nil, classify.ModelRef{}, fmt.Errorf("no %s models configured or found in %s", mode, c.cfg.Models.Dir)
	}

	selected := ensemble[0]
	if c.cfg.Models.Selected != "" {
		selected = refFor(c.cfg.Models.Selected)
	}
	return ensemble, selected, nil
}

func (s *Session) ID() string {
	return s.orchestrator.SessionID()
}

func (s *Session) Models() []string {
	return append([]string(nil), s.models...)
}

// Stop asks the session to end after the current step.
func (s *Session) Stop() {
	s.orchestrator.Stop()
}

func (s *Session) State() experiment.State {
	return s.orchestrator.State()
}

type RunSummary struct {
	Result     experiment.Result
	Statistics []stats.Record
	ReportDir  string
}

// Run blocks until the session closes, then writes the session report.
// The device producer is shut down before Run returns.
func (s *Session) Run(ctx context.Context, progress experiment.ProgressFunc) (RunSummary, error) {
	result, runErr := s.orchestrator.Run(ctx, progress)
	s.device.Wait()

	summary := RunSummary{Result: result, Statistics: s.orchestrator.Statistics()}
	reportDir, err := s.writeReport(result)
	if err != nil {
		s.client.logger.Error("write session report", "error", err)
	}
	summary.ReportDir = reportDir
	return summary, runErr
}

func (s *Session) writeReport(result experiment.Result) (string, error) {
	cfg := s.client.cfg
	report := stats.SessionReport{
		SessionID:        result.SessionID,
		SubjectID:        cfg.Session.SubjectID,
		Mode:             cfg.RunMode().String(),
		TransferLearning: cfg.Session.TransferLearning,
		SelectedModel:    s.selected,
		Outcome:          string(result.Outcome),
		TasksCompleted:   result.TasksCompleted,
		RuntimeSeconds:   int(result.Runtime / time.Second),
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339),
		Tasks:            s.orchestrator.Tasks(),
	}
	for _, record := range s.orchestrator.Statistics() {
		report.Models = append(report.Models, stats.NewModelReport(record))
	}
	if err := os.MkdirAll(s.client.reportsDir, 0o755); err != nil {
		return "", err
	}
	return stats.WriteSessionReport(s.client.reportsDir, report)
}

// HandOff sends collected transfer learning data to the retrainer. It
// returns at once; done runs when retraining finishes.
func (s *Session) HandOff(ctx context.Context, done func(error)) error {
	if s.client.retrainer == nil {
		return errors.New("no retrainer configured")
	}
	return s.orchestrator.HandOff(ctx, s.client.retrainer, done)
}

// deviceLink dials whatever address the device ended up bound to.
type deviceLink struct {
	device *device.Supervisor
	opts   acquisition.Options

	mu      sync.Mutex
	channel *acquisition.Channel
}

func (l *deviceLink) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.channel == nil {
		opts := l.opts
		opts.Addr = l.device.Addr()
		l.channel = acquisition.NewChannel(opts)
	}
	channel := l.channel
	l.mu.Unlock()
	return channel.Open(ctx)
}

func (l *deviceLink) ReadWindow(ctx context.Context, totalSamples, channelCount int) ([][]int, error) {
	l.mu.Lock()
	channel := l.channel
	l.mu.Unlock()
	if channel == nil {
		return nil, fmt.Errorf("%w: channel is not open", acquisition.ErrLinkDegraded)
	}
	return channel.ReadWindow(ctx, totalSamples, channelCount)
}

func (l *deviceLink) Close() error {
	l.mu.Lock()
	channel := l.channel
	l.mu.Unlock()
	if channel == nil {
		return nil
	}
	return channel.Close()
}
