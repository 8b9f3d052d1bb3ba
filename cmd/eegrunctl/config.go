package main

import (
	"eegrun/internal/config"

	"github.com/spf13/cobra"
)

// addOverrideFlags registers flags that take precedence over the config
// file. Only flags set on the command line are applied.
func addOverrideFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("mode", "", "run mode: executed|imagined")
	flags.Int("subject", 0, "subject id")
	flags.Int("tasks", 0, "number of tasks")
	flags.Int("run-time", 0, "seconds of signal per task")
	flags.Int("sub-windows", 0, "sub-windows per task window")
	flags.Duration("rest", 0, "rest between tasks")
	flags.Bool("tl", false, "collect data for transfer learning")
	flags.Bool("show-predictions", false, "show per-task predictions")
	flags.String("device-mode", "", "device mode: mock|process")
	flags.String("host", "", "device host")
	flags.Int("port", 0, "device port")
	flags.Int("channels", 0, "channel count")
	flags.Int("sample-rate", 0, "samples per second per channel")
	flags.String("models-dir", "", "directory holding model weights")
	flags.String("selected-model", "", "model whose majority vote is shown")
	flags.StringSlice("ensemble", nil, "ensemble model ids")
	flags.String("inference-url", "", "model service base URL")
	flags.String("storage", "", "results backend: csv|memory|sqlite")
	flags.String("storage-dir", "", "results directory")
	flags.String("log-level", "", "log level: debug|info|warn|error")
	flags.String("log-format", "", "log format: text|json")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	applyOverrides(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	setString := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	setInt := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	setString("mode", &cfg.Session.Mode)
	setInt("subject", &cfg.Session.SubjectID)
	setInt("tasks", &cfg.Session.Tasks)
	setInt("run-time", &cfg.Session.RunTimeSeconds)
	setInt("sub-windows", &cfg.Session.SubWindows)
	if flags.Changed("rest") {
		cfg.Session.Rest, _ = flags.GetDuration("rest")
	}
	setBool("tl", &cfg.Session.TransferLearning)
	setBool("show-predictions", &cfg.Session.ShowPredictions)
	setString("device-mode", &cfg.Device.Mode)
	setString("host", &cfg.Device.Host)
	setInt("port", &cfg.Device.Port)
	setInt("channels", &cfg.Acquisition.Channels)
	setInt("sample-rate", &cfg.Acquisition.SampleRate)
	setString("models-dir", &cfg.Models.Dir)
	setString("selected-model", &cfg.Models.Selected)
	if flags.Changed("ensemble") {
		cfg.Models.Ensemble, _ = flags.GetStringSlice("ensemble")
	}
	setString("inference-url", &cfg.Inference.URL)
	setString("storage", &cfg.Storage.Kind)
	setString("storage-dir", &cfg.Storage.Dir)
	setString("log-level", &cfg.Logging.Level)
	setString("log-format", &cfg.Logging.Format)
	setString("metrics-addr", &cfg.Metrics.Addr)
}
