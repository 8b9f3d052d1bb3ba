package eegrun

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"eegrun/internal/config"
	"eegrun/internal/experiment"
	"eegrun/internal/model"
	"eegrun/internal/stats"
	"eegrun/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Port = 0
	cfg.Device.LogPath = ""
	cfg.Acquisition.Channels = 2
	cfg.Acquisition.SampleRate = 32
	cfg.Acquisition.ReadPause = 0
	cfg.Acquisition.ReadTimeout = 5 * time.Second
	cfg.Session.Tasks = 2
	cfg.Session.RunTimeSeconds = 1
	cfg.Session.SubWindows = 4
	cfg.Session.Rest = 0
	cfg.Models.Dir = t.TempDir()
	cfg.Models.Ensemble = []string{"EEGNet_executed", "ShallowConvNet_executed"}
	cfg.Storage.Kind = storage.KindMemory
	cfg.Storage.Dir = t.TempDir()
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config, sink storage.Sink) *Client {
	t.Helper()
	client, err := New(Options{Config: cfg, Sink: sink})
	require.NoError(t, err)
	require.NoError(t, client.Init(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSessionRunsAgainstMockDevice(t *testing.T) {
	sink := storage.NewMemorySink()
	client := newTestClient(t, mockConfig(t), sink)

	session, err := client.NewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EEGNet_executed", "ShallowConvNet_executed"}, session.Models())

	var mu sync.Mutex
	var kinds []model.EventKind
	summary, err := session.Run(context.Background(), func(event model.Event) {
		mu.Lock()
		kinds = append(kinds, event.Kind)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, experiment.OutcomeCompleted, summary.Result.Outcome)
	assert.Equal(t, 2, summary.Result.TasksCompleted)
	assert.Equal(t, experiment.StateClosed, session.State())
	assert.Equal(t, []model.EventKind{model.TaskStart, model.TaskResult, model.TaskStart, model.TaskResult}, kinds)

	require.Len(t, summary.Statistics, 2)
	for _, record := range summary.Statistics {
		assert.Equal(t, 8, record.TotalTasks())
		assert.Len(t, record.Predictions, 8)
	}

	rows, err := sink.Summaries(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "EEGNet", rows[0].ModelFamily)

	report, ok, err := stats.ReadSessionReport(filepath.Dir(summary.ReportDir), session.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "completed", report.Outcome)
	assert.Equal(t, "EEGNet_executed", report.SelectedModel)
	assert.Len(t, report.Tasks, 2)
	assert.Len(t, report.Models, 2)

	sessions, err := client.Sessions(context.Background(), SessionsRequest{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, session.ID(), sessions[0].SessionID)
}

func TestSessionStopEndsRunEarly(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Session.Tasks = 50
	client := newTestClient(t, cfg, storage.NewMemorySink())

	session, err := client.NewSession(context.Background())
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	go func() {
		<-started
		session.Stop()
	}()
	summary, err := session.Run(context.Background(), func(event model.Event) {
		if event.Kind == model.TaskResult {
			select {
			case started <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, err)
	assert.Contains(t, []experiment.Outcome{experiment.OutcomeStopped, experiment.OutcomeSoftStopped}, summary.Result.Outcome)
	assert.Less(t, summary.Result.TasksCompleted, 50)
}

func TestHandOffAfterTransferLearningSession(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Session.Tasks = 1
	cfg.Session.TransferLearning = true
	client := newTestClient(t, cfg, storage.NewMemorySink())

	session, err := client.NewSession(context.Background())
	require.NoError(t, err)
	require.Error(t, session.HandOff(context.Background(), nil), "hand-off before the session closes")

	_, err = session.Run(context.Background(), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	require.NoError(t, session.HandOff(context.Background(), func(err error) { done <- err }))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hand-off did not finish")
	}
}

func TestModelsListsCatalogForMode(t *testing.T) {
	cfg := mockConfig(t)
	for _, name := range []string{"EEGNet_executed.h5", "ShallowConvNet_executed.h5", "EEGNet_imagined.h5", "EEGNet_executed_subj_id_1.h5"} {
		require.NoError(t, os.WriteFile(filepath.Join(cfg.Models.Dir, name), []byte("w"), 0o644))
	}
	client := newTestClient(t, cfg, storage.NewMemorySink())

	models, err := client.Models(context.Background(), model.Executed)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "EEGNet_executed", models[0].ID)
	assert.Equal(t, "ShallowConvNet_executed", models[1].ID)
}

func TestSessionEnsembleFallsBackToCatalog(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Models.Ensemble = nil
	cfg.Session.Mode = "imagined"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Models.Dir, "EEGNet_imagined.h5"), []byte("w"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Models.Dir, "EEGNet_executed.h5"), []byte("w"), 0o644))
	client := newTestClient(t, cfg, storage.NewMemorySink())

	session, err := client.NewSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"EEGNet_imagined"}, session.Models())
}

func TestNewSessionRequiresModels(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Models.Ensemble = nil
	client := newTestClient(t, cfg, storage.NewMemorySink())

	_, err := client.NewSession(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Executed models")
}

func TestNewRequiresInferenceOutsideMockMode(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Device.Mode = config.DeviceModeProcess
	cfg.Device.Port = 5151
	cfg.Device.Command = []string{"true"}

	_, err := New(Options{Config: cfg})
	require.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg.Inference.URL = "http://127.0.0.1:1"
	client, err := New(Options{Config: cfg})
	require.NoError(t, err)
	require.NoError(t, client.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Session.SubWindows = 5
	_, err := New(Options{Config: cfg})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}
