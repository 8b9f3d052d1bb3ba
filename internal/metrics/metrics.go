package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts tasks by how they ended: recorded or interrupted.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eegrun_tasks_total",
		Help: "Tasks started per session, by result",
	}, []string{"result"})

	// PredictionsTotal counts sub-window predictions per model.
	PredictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eegrun_predictions_total",
		Help: "Sub-window predictions recorded, by model and correctness",
	}, []string{"model", "correct"})

	LinkFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eegrun_link_failures_total",
		Help: "Acquisition link failures, by kind",
	}, []string{"kind"})

	WindowReadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eegrun_window_read_seconds",
		Help:    "Time spent accumulating one task window from the device",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eegrun_sessions_total",
		Help: "Sessions finished, by outcome",
	}, []string{"outcome"})

	HandOffsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eegrun_transfer_handoffs_total",
		Help: "Transfer learning hand-offs, by result",
	}, []string{"result"})

	DeviceRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eegrun_device_restarts_total",
		Help: "Producer process restarts performed by the device supervisor",
	})
)
