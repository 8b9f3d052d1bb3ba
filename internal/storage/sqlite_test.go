//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"eegrun/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteSinkAppendsAndLists(t *testing.T) {
	ctx := context.Background()
	sink := NewSQLiteSink(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, sink.Init(ctx))
	t.Cleanup(func() { _ = sink.Close() })

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.AppendSummary(ctx, model.SummaryRow{
		Timestamp: ts, SubjectID: 3, ModelFamily: "EEGNet", Mode: model.Imagined,
		LeftCorrect: 1, LeftTotal: 1, RightTotal: 2, TotalTasks: 3, CorrectTotal: 1, IncorrectTotal: 2,
		RightIncorrect: 2, Accuracy: "0.33", RuntimeSeconds: 12,
	}))
	require.NoError(t, sink.AppendPredictions(ctx, model.PredictionRow{
		Timestamp: ts, ModelID: "EEGNet_Imagined", Mode: model.Imagined, TransferLearning: true, Predictions: []int{0, 1, 1},
	}))

	summaries, err := sink.Summaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "EEGNet", summaries[0].ModelFamily)
	assert.Equal(t, model.Imagined, summaries[0].Mode)
	assert.Equal(t, "0.33", summaries[0].Accuracy)
	assert.True(t, ts.Equal(summaries[0].Timestamp))

	predictions, err := sink.Predictions(ctx)
	require.NoError(t, err)
	require.Len(t, predictions, 1)
	assert.Equal(t, []int{0, 1, 1}, predictions[0].Predictions)
	assert.True(t, predictions[0].TransferLearning)

	require.NoError(t, CloseIfSupported(sink))
	require.Error(t, sink.AppendSummary(ctx, model.SummaryRow{}))
}
