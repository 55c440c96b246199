package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"case-pipeline/internal/config"
	"case-pipeline/internal/models"
)

type statusError int

func (e statusError) Error() string       { return fmt.Sprintf("ocr service returned status %d", int(e)) }
func (e statusError) HTTPStatusCode() int { return int(e) }

// HTTPExtractor calls an external text-extraction service. Content handling
// is the service's concern; this side only ships the attachment reference and
// reads the text back.
type HTTPExtractor struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPExtractor(cfg config.Config) (*HTTPExtractor, error) {
	if cfg.OCRBaseURL == "" {
		return nil, fmt.Errorf("OCR_BASE_URL is not set")
	}
	timeout := cfg.OCRTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPExtractor{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.OCRBaseURL, "/"),
	}, nil
}

func (e *HTTPExtractor) Extract(ctx context.Context, att models.Attachment) (string, error) {
	body, err := json.Marshal(map[string]string{"url": att.URL, "name": att.Name})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/extract", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", statusError(resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 25*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Text, nil
}
