package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorKind classifies inference failures. Neither kind is retried
// automatically: repeated calls to a cold or unready model rarely help
// within the request deadline.
type ErrorKind string

const (
	KindModelUnavailable   ErrorKind = "model_unavailable"
	KindInvalidModelOutput ErrorKind = "invalid_model_output"
)

// Error wraps an upstream inference failure with the raw cause attached
// for diagnostics.
type Error struct {
	Kind  ErrorKind
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("inference %s (model %q): %v", string(e.Kind), e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Prediction is the model's typed output: one row of fractional values
// per submitted instance, with optional confidence and version metadata.
type Prediction struct {
	Predictions  [][]float64 `json:"predictions"`
	Confidence   []float64   `json:"confidence,omitempty"`
	ModelVersion string      `json:"model_version,omitempty"`
}

// Client invokes a serving endpoint with fixed-shape feature vectors.
type Client interface {
	Predict(ctx context.Context, model string, instances [][]float64) (*Prediction, error)
	Ready(ctx context.Context, model string) error
}

// HTTPClient speaks the KServe v1 inference protocol:
// POST <base>/v1/models/<model>:predict with {"instances": [[...]]}.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log *logrus.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *HTTPClient) Predict(ctx context.Context, model string, instances [][]float64) (*Prediction, error) {
	body, err := json.Marshal(map[string]interface{}{"instances": instances})
	if err != nil {
		return nil, &Error{Kind: KindInvalidModelOutput, Model: model, Err: err}
	}

	url := fmt.Sprintf("%s/v1/models/%s:predict", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindModelUnavailable, Model: model, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindModelUnavailable, Model: model, Err: err}
	}
	defer closeBody(resp)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Kind: KindModelUnavailable, Model: model, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:  KindModelUnavailable,
			Model: model,
			Err:   fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}
	}

	var prediction Prediction
	if err := json.Unmarshal(raw, &prediction); err != nil {
		return nil, &Error{Kind: KindInvalidModelOutput, Model: model, Err: err}
	}

	// A mismatched row count is a hard error, never silently truncated.
	if len(prediction.Predictions) != len(instances) {
		return nil, &Error{
			Kind:  KindInvalidModelOutput,
			Model: model,
			Err:   fmt.Errorf("expected %d prediction rows, got %d", len(instances), len(prediction.Predictions)),
		}
	}

	c.log.WithFields(logrus.Fields{
		"model":   model,
		"rows":    len(prediction.Predictions),
		"version": prediction.ModelVersion,
	}).Debug("Inference call completed")

	return &prediction, nil
}

// Ready checks the model's serving status endpoint.
func (c *HTTPClient) Ready(ctx context.Context, model string) error {
	url := fmt.Sprintf("%s/v1/models/%s", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: KindModelUnavailable, Model: model, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindModelUnavailable, Model: model, Err: err}
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Kind:  KindModelUnavailable,
			Model: model,
			Err:   fmt.Errorf("model status %d", resp.StatusCode),
		}
	}
	return nil
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
