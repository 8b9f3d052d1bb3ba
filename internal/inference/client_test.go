package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eegrun/internal/classify"
	"eegrun/internal/model"
	"eegrun/internal/transfer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientPredict(t *testing.T) {
	var got predictRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(predictResponse{Labels: []int{1, 0}})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", time.Second)
	labels, err := client.Predict(context.Background(), classify.ModelRef{
		ID:      "EEGNet_Executed",
		Weights: classify.Artifact{Path: "models/EEGNet_Executed_subj_id_1.h5", Subject: true},
	}, [][][]float64{{{1, 2}}, {{3, 4}}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, labels)
	assert.Equal(t, "EEGNet_Executed", got.Model)
	assert.True(t, got.Subject)
	assert.Equal(t, "models/EEGNet_Executed_subj_id_1.h5", got.Weights)
	assert.Equal(t, [][][]float64{{{1, 2}}, {{3, 4}}}, got.Batch)
}

func TestClientPredictStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, time.Second).Predict(context.Background(), classify.ModelRef{ID: "m"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestClientRetrain(t *testing.T) {
	var got transfer.RetrainRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/retrain", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	req := transfer.RetrainRequest{
		SubjectID: 3,
		Mode:      model.Imagined,
		Models:    []string{"EEGNet_Imagined"},
		Dataset:   transfer.Dataset{Samples: [][][][]float64{{{{1}}}}, Labels: []int{1}},
	}
	require.NoError(t, NewClient(server.URL, time.Second).Retrain(context.Background(), req))
	assert.Equal(t, req, got)
}

func TestClientRetrainRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"busy"}`))
	}))
	defer server.Close()

	err := NewClient(server.URL, time.Second).Retrain(context.Background(), transfer.RetrainRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestClientHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewClient(server.URL, 5*time.Second).Predict(ctx, classify.ModelRef{ID: "m"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRandomIsSeededAndBinary(t *testing.T) {
	batch := make([][][]float64, 32)
	first, err := NewRandom(9).Predict(context.Background(), classify.ModelRef{}, batch)
	require.NoError(t, err)
	second, err := NewRandom(9).Predict(context.Background(), classify.ModelRef{}, batch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 32)
	for _, label := range first {
		assert.Contains(t, []int{0, 1}, label)
	}
	require.NoError(t, NewRandom(1).Retrain(context.Background(), transfer.RetrainRequest{}))
}

func TestRandomLabelsDoNotDependOnCallOrder(t *testing.T) {
	batch := make([][][]float64, 16)
	eegnet := classify.ModelRef{ID: "EEGNet_Executed"}
	shallow := classify.ModelRef{ID: "ShallowConvNet_Executed"}
	ctx := context.Background()

	forward := NewRandom(3)
	a1, err := forward.Predict(ctx, eegnet, batch)
	require.NoError(t, err)
	b1, err := forward.Predict(ctx, shallow, batch)
	require.NoError(t, err)

	reversed := NewRandom(3)
	b2, err := reversed.Predict(ctx, shallow, batch)
	require.NoError(t, err)
	a2, err := reversed.Predict(ctx, eegnet, batch)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)
}
