// Package tei provides the client for the TEI full-text extraction service,
// which converts PDF bytes into TEI markup over a GROBID-compatible API.
package tei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

const (
	// DefaultBaseURL is the default base URL for the extraction service.
	DefaultBaseURL = "http://localhost:8070"

	// DefaultTimeout is the default request timeout. Full-text extraction
	// of a large PDF is the slowest external call in the pipeline.
	DefaultTimeout = 120 * time.Second

	// DefaultRateLimit is the default maximum requests per second. The
	// extraction service processes documents CPU-bound, one per worker.
	DefaultRateLimit = 2.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 2

	// extractPath is the full-text extraction endpoint.
	extractPath = "/api/processFulltextDocument"

	// maxResponseBytes caps how much TEI markup is read from a response.
	maxResponseBytes = 32 << 20

	// sourceName is the human-readable name for this service.
	sourceName = "TEI extractor"
)

// Config contains configuration options for the extraction client.
type Config struct {
	// BaseURL is the base URL for the extraction service.
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// Timeout is the HTTP request timeout.
	// Defaults to DefaultTimeout if zero.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	// Defaults to DefaultRateLimit if zero.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	// Defaults to DefaultBurstSize if zero.
	BurstSize int
}

// Client calls the TEI extraction service.
type Client struct {
	httpClient *analysis.HTTPClient
	config     Config
}

// Compile-time check that Client implements analysis.Extractor.
var _ analysis.Extractor = (*Client)(nil)

// NewClient creates a new extraction client with the given configuration.
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

// Extract uploads PDF bytes and parses the TEI response into ordered
// sections. Heading coordinates are requested so sections carry the page
// they start on.
func (c *Client) Extract(ctx context.Context, pdf []byte, fileName string) (*analysis.ExtractResult, error) {
	if len(pdf) == 0 {
		return nil, domain.NewValidationError("pdf", "document is empty")
	}
	if fileName == "" {
		fileName = "document.pdf"
	}

	body, contentType, err := buildUploadBody(pdf, fileName)
	if err != nil {
		return nil, fmt.Errorf("building upload body: %w", err)
	}

	extractURL, err := url.JoinPath(c.config.BaseURL, extractPath)
	if err != nil {
		return nil, fmt.Errorf("building extract URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, extractURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	// The service answers 204 when it could not recover any text.
	if resp.StatusCode == http.StatusNoContent {
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, "no text content extracted", nil)
	}

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	result, err := parseTEI(raw)
	if err != nil {
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, "malformed TEI response", err)
	}
	if len(result.Sections) == 0 {
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, "TEI response contained no sections", nil)
	}

	return result, nil
}

// buildUploadBody assembles the multipart form: the PDF under the "input"
// field plus the option asking for heading coordinates.
func buildUploadBody(pdf []byte, fileName string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("input", fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(pdf); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("teiCoordinates", "head"); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
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
		message := errResp.Message
		if message == "" {
			message = errResp.Description
		}
		if message == "" {
			message = string(body)
		}
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, message, nil)
	}

	// The service reports some failures as plain text.
	return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
}
