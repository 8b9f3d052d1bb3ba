package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"eegrun/internal/classify"
	"eegrun/internal/transfer"
)

const DefaultTimeout = 30 * time.Second

// Client talks to the external model service that owns the networks and
// their weights. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	Model   string        `json:"model"`
	Weights string        `json:"weights,omitempty"`
	Subject bool          `json:"subject_weights"`
	Batch   [][][]float64 `json:"batch"`
}

type predictResponse struct {
	Labels []int `json:"labels"`
}

type retrainResponse struct {
	Status string `json:"status"`
}

func (c *Client) Predict(ctx context.Context, ref classify.ModelRef, batch [][][]float64) ([]int, error) {
	var resp predictResponse
	err := c.post(ctx, "/predict", predictRequest{
		Model:   ref.ID,
		Weights: ref.Weights.Path,
		Subject: ref.Weights.Subject,
		Batch:   batch,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Labels, nil
}

func (c *Client) Retrain(ctx context.Context, req transfer.RetrainRequest) error {
	var resp retrainResponse
	if err := c.post(ctx, "/retrain", req, &resp); err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "ok" {
		return fmt.Errorf("retrain status: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("model service %s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
