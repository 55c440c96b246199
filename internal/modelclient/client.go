package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"case-pipeline/internal/config"
	"case-pipeline/internal/logger"
)

// Request is one generation request for a pipeline sub-step.
type Request struct {
	Stage  string
	Prompt string
}

// Result carries the generated document fragment.
type Result struct {
	Content string
}

// ProgressFunc receives provider-internal phase notifications during a
// long-running call. May be nil.
type ProgressFunc func(phase, message string)

// Client is the external model collaborator. Provider internals (token
// accounting, provider-side retry policy) stay behind this boundary.
type Client interface {
	Complete(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
}

// StatusError carries an HTTP status from the provider so the retry layer
// can classify it.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("model call failed with status %d: %s", e.Status, e.Body)
}

func (e *StatusError) HTTPStatusCode() int { return e.Status }

// HTTPClient talks to an OpenAI-style completion endpoint.
type HTTPClient struct {
	httpClient *http.Client
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
}

func NewHTTPClient(cfg config.Config, log *logger.Logger) (*HTTPClient, error) {
	if cfg.ModelAPIKey == "" {
		return nil, fmt.Errorf("MODEL_API_KEY is not set")
	}
	timeout := cfg.ModelTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "modelclient"),
		baseURL:    cfg.ModelBaseURL,
		apiKey:     cfg.ModelAPIKey,
		model:      cfg.ModelName,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Complete(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	if onProgress != nil {
		onProgress("submitting", fmt.Sprintf("sending %s request to model", req.Stage))
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 512)}
	}

	if onProgress != nil {
		onProgress("generating", "model response received")
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	return &Result{Content: parsed.Choices[0].Message.Content}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
