// Package segmenter provides the client for the sentence segmentation
// service, which splits section text into sentence boundaries.
package segmenter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

const (
	// DefaultBaseURL is the default base URL for the segmentation service.
	DefaultBaseURL = "http://localhost:8071"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default maximum requests per second.
	DefaultRateLimit = 10.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 10

	// segmentPath is the segmentation endpoint.
	segmentPath = "/api/v1/segment"

	// maxResponseBytes caps how much of a response is read.
	maxResponseBytes = 10 << 20

	// sourceName is the human-readable name for this service.
	sourceName = "segmenter"
)

// Config contains configuration options for the segmentation client.
type Config struct {
	// BaseURL is the base URL for the segmentation service.
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Timeout is the HTTP request timeout.
	// Defaults to DefaultTimeout if zero.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	// Defaults to DefaultRateLimit if zero.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int
}

// splitRequest is the request body for the segmentation endpoint.
type splitRequest struct {
	Text string `json:"text"`
}

// splitResponse is the response body from the segmentation endpoint.
type splitResponse struct {
	Sentences []string `json:"sentences"`
}

// ErrorResponse is the error body the segmentation service returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client calls the sentence segmentation service.
type Client struct {
	httpClient *analysis.HTTPClient
	config     Config
}

// Compile-time check that Client implements analysis.Segmenter.
var _ analysis.Segmenter = (*Client)(nil)

// NewClient creates a new segmentation client with the given configuration.
// If httpClient is nil, a new one is created from the configuration.
func NewClient(cfg Config, httpClient *analysis.HTTPClient) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurstSize
	}

	if httpClient == nil {
		httpClient = analysis.NewHTTPClient(analysis.HTTPClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			BurstSize: cfg.BurstSize,
		})
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// Split sends text to the segmentation service and returns the sentences in
// order, trimmed, with empty entries dropped. Blank input returns no
// sentences without a service call.
func (c *Client) Split(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	payload, err := json.Marshal(splitRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	segmentURL, err := url.JoinPath(c.config.BaseURL, segmentPath)
	if err != nil {
		return nil, fmt.Errorf("building segment URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, segmentURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	var splitResp splitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&splitResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	sentences := make([]string, 0, len(splitResp.Sentences))
	for _, s := range splitResp.Sentences {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences, nil
}

// handleErrorResponse checks for API errors and returns appropriate error types.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read the error body (limit to 1MB to prevent resource exhaustion)
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, "failed to read error response", err)
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		message := errResp.Error
		if message == "" {
			message = errResp.Message
		}
		if message == "" {
			message = string(body)
		}
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, message, nil)
	}

	return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
}
