package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"eegrun/internal/model"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DeviceModeMock    = "mock"
	DeviceModeProcess = "process"
)

// Config is the on-disk session runner configuration.
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Session     SessionConfig     `yaml:"session"`
	Models      ModelsConfig      `yaml:"models"`
	Inference   InferenceConfig   `yaml:"inference"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type DeviceConfig struct {
	Mode        string        `yaml:"mode"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Type        int           `yaml:"type"`
	Command     []string      `yaml:"command"`
	RunParams   string        `yaml:"run_params"`
	LogPath     string        `yaml:"log_path"`
	Warmup      time.Duration `yaml:"warmup"`
	MaxRestarts int           `yaml:"max_restarts"`
	StopGrace   time.Duration `yaml:"stop_grace"`
	MockSeed    int64         `yaml:"mock_seed"`
}

type AcquisitionConfig struct {
	Channels    int           `yaml:"channels"`
	SampleRate  int           `yaml:"sample_rate"`
	BufferSize  int           `yaml:"buffer_size"`
	ReadPause   time.Duration `yaml:"read_pause"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Filters     FiltersConfig `yaml:"filters"`
}

// FiltersConfig selects the per-channel conditioning stages.
type FiltersConfig struct {
	Notch           bool `yaml:"notch"`
	BandPass        bool `yaml:"band_pass"`
	ArtifactRemoval bool `yaml:"artifact_removal"`
}

type SessionConfig struct {
	SubjectID        int           `yaml:"subject_id"`
	Mode             string        `yaml:"mode"`
	Tasks            int           `yaml:"tasks"`
	RunTimeSeconds   int           `yaml:"run_time_seconds"`
	SubWindows       int           `yaml:"sub_windows"`
	Rest             time.Duration `yaml:"rest"`
	TransferLearning bool          `yaml:"transfer_learning"`
	ShowPredictions  bool          `yaml:"show_predictions"`
}

type ModelsConfig struct {
	Dir      string   `yaml:"dir"`
	Selected string   `yaml:"selected"`
	Ensemble []string `yaml:"ensemble"`
}

type InferenceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Seed    int64         `yaml:"seed"`
}

type StorageConfig struct {
	Kind       string `yaml:"kind"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Default() Config {
	return Config{
		Device: DeviceConfig{
			Mode:      DeviceModeMock,
			Host:      "127.0.0.1",
			Port:      5151,
			Type:      2,
			RunParams: "float+nocounter+generic+noheader+nobattery+ovsamples:1792",
			LogPath:   "server_logs.txt",
			StopGrace: 2 * time.Second,
			MockSeed:  1,
		},
		Acquisition: AcquisitionConfig{
			Channels:    14,
			SampleRate:  128,
			BufferSize:  1024,
			ReadPause:   500 * time.Millisecond,
			ReadTimeout: 10 * time.Second,
			DialTimeout: 5 * time.Second,
			Filters: FiltersConfig{
				Notch:           true,
				BandPass:        true,
				ArtifactRemoval: true,
			},
		},
		Session: SessionConfig{
			SubjectID:      1,
			Mode:           "executed",
			Tasks:          10,
			RunTimeSeconds: 5,
			SubWindows:     8,
			Rest:           time.Second,
		},
		Models: ModelsConfig{
			Dir: "models",
		},
		Inference: InferenceConfig{
			Timeout: 30 * time.Second,
			Seed:    1,
		},
		Storage: StorageConfig{
			Kind:       "csv",
			Dir:        "results",
			SQLitePath: "results.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SamplesPerTask is the number of sample rows a task window spans.
func (c Config) SamplesPerTask() int {
	return c.Session.RunTimeSeconds * c.Acquisition.SampleRate
}

// TotalSamples is the number of integers read from the wire per task window.
func (c Config) TotalSamples() int {
	return c.Acquisition.Channels * c.SamplesPerTask()
}

func (c Config) SamplesPerSubWindow() int {
	if c.Session.SubWindows <= 0 {
		return 0
	}
	return c.SamplesPerTask() / c.Session.SubWindows
}

// RunMode parses session.mode; call Validate first.
func (c Config) RunMode() model.RunMode {
	mode, _ := model.ParseRunMode(c.Session.Mode)
	return mode
}

func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Device.Mode {
	case DeviceModeMock:
	case DeviceModeProcess:
		if len(c.Device.Command) == 0 {
			add("device.command is required in process mode")
		}
	default:
		add("device.mode must be mock|process, got %q", c.Device.Mode)
	}
	// port 0 lets the mock device pick a free port
	if c.Device.Port < 0 || c.Device.Port > 65535 || (c.Device.Port == 0 && c.Device.Mode != DeviceModeMock) {
		add("device.port out of range: %d", c.Device.Port)
	}
	if c.Acquisition.Channels <= 0 {
		add("acquisition.channels must be > 0")
	}
	if c.Acquisition.SampleRate <= 0 {
		add("acquisition.sample_rate must be > 0")
	}
	if c.Acquisition.BufferSize <= 0 {
		add("acquisition.buffer_size must be > 0")
	}
	if c.Session.Tasks <= 0 {
		add("session.tasks must be > 0")
	}
	if c.Session.RunTimeSeconds <= 0 {
		add("session.run_time_seconds must be > 0")
	}
	if c.Session.SubWindows <= 0 {
		add("session.sub_windows must be > 0")
	} else if c.SamplesPerTask() > 0 && c.SamplesPerTask()%c.Session.SubWindows != 0 {
		add("session.sub_windows=%d does not divide %d samples per task", c.Session.SubWindows, c.SamplesPerTask())
	}
	if c.Session.Rest < 0 {
		add("session.rest must be >= 0")
	}
	if _, err := model.ParseRunMode(c.Session.Mode); err != nil {
		add("session.mode: %v", err)
	}
	switch c.Storage.Kind {
	case "", "csv", "memory", "sqlite":
	default:
		add("storage.kind must be csv|memory|sqlite, got %q", c.Storage.Kind)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
