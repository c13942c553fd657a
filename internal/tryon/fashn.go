// fashn.go -- FASHN try-on API client.
//
// A generation is a run request followed by status polling until the job
// completes or fails. Transport failures and 5xx answers map to
// ErrProviderUnavailable; a job the provider reports as failed maps to
// ErrGenerationFailed.
package tryon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Model is the FASHN model every run requests.
const Model = "tryon-v1.6"

// Request is one try-on job.
type Request struct {
	Person   Image
	Garment  Image
	Category Category
}

// Result is a completed job.
type Result struct {
	JobID    string
	ImageURL string
}

// Generator produces a try-on image. Implemented by *FashnClient.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// FashnClient implements generation against the FASHN REST API.
type FashnClient struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	pollInterval time.Duration
	httpClient   *http.Client
}

// NewFashnClient returns a client for baseURL (e.g. https://api.fashn.ai/v1).
// timeout bounds one whole generation including polling.
func NewFashnClient(baseURL, apiKey string, timeout time.Duration) *FashnClient {
	return &FashnClient{
		baseURL:      baseURL,
		apiKey:       apiKey,
		timeout:      timeout,
		pollInterval: time.Second,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// WithPollInterval overrides the status polling interval.
func (c *FashnClient) WithPollInterval(d time.Duration) *FashnClient {
	c.pollInterval = d
	return c
}

type runRequest struct {
	ModelName string    `json:"model_name"`
	Inputs    runInputs `json:"inputs"`
}

type runInputs struct {
	ModelImage   string `json:"model_image"`
	GarmentImage string `json:"garment_image"`
	Category     string `json:"category"`
}

type runResponse struct {
	ID    string `json:"id"`
	Error any    `json:"error"`
}

type statusResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate submits req and waits for the result.
// If ctx itself ends first its error is returned unwrapped; the client's own
// timeout surfaces as ErrProviderUnavailable.
func (c *FashnClient) Generate(ctx context.Context, req Request) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jobID, err := c.run(runCtx, req)
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-runCtx.Done():
			return nil, c.classify(ctx, fmt.Errorf("job %s: %w", jobID, runCtx.Err()))
		case <-ticker.C:
		}

		st, err := c.status(runCtx, jobID)
		if err != nil {
			return nil, c.classify(ctx, err)
		}
		switch st.Status {
		case "completed":
			if len(st.Output) == 0 {
				return nil, fmt.Errorf("%w: job %s completed without output", ErrGenerationFailed, jobID)
			}
			return &Result{JobID: jobID, ImageURL: st.Output[0]}, nil
		case "failed", "canceled":
			msg := st.Status
			if st.Error != nil {
				msg = st.Error.Name + ": " + st.Error.Message
			}
			return nil, fmt.Errorf("%w: job %s: %s", ErrGenerationFailed, jobID, msg)
		}
		// starting, in_queue, processing -- keep polling
	}
}

// classify maps a low-level error to the package sentinels, leaving caller
// cancellation and already-classified errors alone.
func (c *FashnClient) classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, ErrGenerationFailed) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

func (c *FashnClient) run(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(runRequest{
		ModelName: Model,
		Inputs: runInputs{
			ModelImage:   req.Person.DataURI(),
			GarmentImage: req.Garment.DataURI(),
			Category:     string(req.Category),
		},
	})
	if err != nil {
		return "", fmt.Errorf("encoding run request: %w", err)
	}

	var out runResponse
	if err := c.do(ctx, http.MethodPost, "/run", bytes.NewReader(payload), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: run rejected: %v", ErrGenerationFailed, out.Error)
	}
	return out.ID, nil
}

func (c *FashnClient) status(ctx context.Context, jobID string) (*statusResponse, error) {
	var out statusResponse
	if err := c.do(ctx, http.MethodGet, "/status/"+jobID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one authenticated request and decodes a JSON answer into out.
// 5xx, 429 and credential rejections are provider-side; other 4xx mean the
// provider refused the input.
func (c *FashnClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: status %d", ErrProviderUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrGenerationFailed, method, path, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrProviderUnavailable, path, err)
	}
	return nil
}
