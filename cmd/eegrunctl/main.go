package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"eegrun/internal/config"
	"eegrun/internal/device"
	"eegrun/internal/model"
	"eegrun/internal/stats"
	"eegrun/pkg/eegrun"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const handOffTimeout = 10 * time.Minute

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "eegrunctl",
		Short:         "Run EEG motor classification sessions against a headset or mock device",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML config path (defaults apply when empty)")
	root.AddCommand(newRunCmd(), newModelsCmd(), newSessionsCmd(), newResultsCmd(), newMockDeviceCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one acquisition and classification session",
		Args:  cobra.NoArgs,
		RunE:  runSession,
	}
	addOverrideFlags(cmd)
	cmd.Flags().Duration("hand-off-timeout", handOffTimeout, "how long to wait for transfer learning retraining")
	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	stopMetrics := serveMetrics(cfg.Metrics.Addr, logger)
	defer stopMetrics()

	client, err := eegrun.New(eegrun.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.Init(ctx); err != nil {
		return err
	}

	session, err := client.NewSession(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session=%s subject=%d mode=%s tasks=%d models=%s\n",
		session.ID(), cfg.Session.SubjectID, cfg.RunMode(), cfg.Session.Tasks, strings.Join(session.Models(), ","))

	// An interrupt ends the session gracefully so statistics still flush.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-signals:
			logger.Info("interrupt received, stopping session")
			session.Stop()
		case <-finished:
		}
	}()

	summary, runErr := session.Run(ctx, func(event model.Event) {
		switch event.Kind {
		case model.TaskStart:
			fmt.Fprintf(out, "task %d: %s\n", event.Task.Number, event.Task.Target)
		case model.TaskResult:
			mark := "miss"
			if event.Task.Correct() {
				mark = "hit"
			}
			if cfg.Session.ShowPredictions {
				fmt.Fprintf(out, "task %d: predicted %s (%s) labels=%v\n", event.Task.Number, model.Hand(event.Task.Majority), mark, event.Task.Selected.Labels)
			} else {
				fmt.Fprintf(out, "task %d: %s\n", event.Task.Number, mark)
			}
		}
	})
	printSummary(out, summary)
	if runErr != nil {
		return runErr
	}

	if cfg.Session.TransferLearning {
		timeout, _ := cmd.Flags().GetDuration("hand-off-timeout")
		if err := awaitHandOff(ctx, session, timeout); err != nil {
			return err
		}
		fmt.Fprintln(out, "transfer learning hand-off complete")
	}
	return nil
}

func awaitHandOff(ctx context.Context, session *eegrun.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := make(chan error, 1)
	if err := session.HandOff(ctx, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

func printSummary(w io.Writer, summary eegrun.RunSummary) {
	result := summary.Result
	fmt.Fprintf(w, "session=%s outcome=%s tasks_completed=%d runtime=%s\n",
		result.SessionID, result.Outcome, result.TasksCompleted, result.Runtime.Round(time.Millisecond))
	if len(summary.Statistics) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tFAMILY\tCORRECT\tTOTAL\tACCURACY")
	for _, record := range summary.Statistics {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", record.ModelID, stats.ModelFamily(record.ModelID), record.CorrectTotal(), record.TotalTasks(), record.AccuracyString())
	}
	_ = tw.Flush()
	if summary.ReportDir != "" {
		fmt.Fprintf(w, "report=%s\n", summary.ReportDir)
	}
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List base models available in the models directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := eegrun.New(eegrun.Options{Config: cfg, Logger: slog.New(slog.DiscardHandler)})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()
			models, err := client.Models(cmd.Context(), cfg.RunMode())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, info := range models {
				fmt.Fprintf(out, "%s family=%s path=%s\n", info.ID, stats.ModelFamily(info.ID), info.Path)
			}
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			client, err := eegrun.New(eegrun.Options{Config: cfg, Logger: slog.New(slog.DiscardHandler)})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()
			entries, err := client.Sessions(cmd.Context(), eegrun.SessionsRequest{Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, entry := range entries {
				fmt.Fprintf(out, "%s subject=%d mode=%s outcome=%s tasks=%d created_at=%s\n",
					entry.SessionID, entry.SubjectID, entry.Mode, entry.Outcome, entry.TasksCompleted, entry.CreatedAtUTC)
			}
			return nil
		},
	}
	addOverrideFlags(cmd)
	cmd.Flags().Int("limit", 20, "maximum sessions to list")
	return cmd
}

func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print the persisted per-model summary rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := eegrun.New(eegrun.Options{Config: cfg, Logger: slog.New(slog.DiscardHandler)})
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()
			if err := client.Init(cmd.Context()); err != nil {
				return err
			}
			rows, err := client.Summaries(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIMESTAMP\tSUBJECT\tMODE\tFAMILY\tTL\tCORRECT\tTOTAL\tACCURACY")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%t\t%d\t%d\t%s\n",
					row.Timestamp.Format(time.DateTime), row.SubjectID, row.Mode, row.ModelFamily, row.TransferLearning, row.CorrectTotal, row.TotalTasks, row.Accuracy)
			}
			return tw.Flush()
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func newMockDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-device",
		Short: "Serve synthetic device samples to one client until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Logging)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dev := device.New(device.Options{
				Mode:       device.ModeMock,
				Host:       cfg.Device.Host,
				Port:       cfg.Device.Port,
				Channels:   cfg.Acquisition.Channels,
				SampleRate: cfg.Acquisition.SampleRate,
				Seed:       cfg.Device.MockSeed,
				Logger:     logger,
			})
			if err := dev.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mock device listening on %s\n", dev.Addr())

			served := make(chan struct{})
			go func() {
				dev.Wait()
				close(served)
			}()
			select {
			case <-ctx.Done():
			case <-served:
			}
			dev.Stop()
			dev.Wait()
			return nil
		},
	}
	addOverrideFlags(cmd)
	return cmd
}

func newLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("%w: logging.level: %v", config.ErrInvalidConfig, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: logging.format must be text|json, got %q", config.ErrInvalidConfig, cfg.Format)
	}
}

// serveMetrics exposes the default prometheus registry on addr. An empty
// addr disables the endpoint.
func serveMetrics(addr string, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
