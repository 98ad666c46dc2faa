// Package automation provides the client for the workflow-automation
// webhooks: sentence classification plus the three query-time hooks for
// section selection, keyword extraction and answer composition.
package automation

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

	"github.com/google/uuid"

	"github.com/defscope/definition-extraction-service/internal/analysis"
	"github.com/defscope/definition-extraction-service/internal/domain"
)

const (
	// DefaultBaseURL is the default base URL for the automation service.
	DefaultBaseURL = "http://localhost:5678"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default maximum requests per second.
	DefaultRateLimit = 10.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 10

	// Default webhook paths, resolved against BaseURL.
	DefaultClassifyPath = "/webhook/classify-sentence"
	DefaultSectionsPath = "/webhook/select-sections"
	DefaultKeywordsPath = "/webhook/extract-keywords"
	DefaultComposePath  = "/webhook/compose-answer"

	// apiKeyHeader is the header the webhook key is sent in.
	apiKeyHeader = "X-API-Key"

	// maxResponseBytes caps how much of a response is read.
	maxResponseBytes = 10 << 20

	// sourceName is the human-readable name for this service.
	sourceName = "workflow automation"
)

// Config contains configuration options for the automation client.
type Config struct {
	// BaseURL is the base URL the webhook paths are resolved against.
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// APIKey is the optional key authenticating webhook calls.
	APIKey string

	// Timeout is the HTTP request timeout.
	// Defaults to DefaultTimeout if zero.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	// Defaults to DefaultRateLimit if zero.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// Webhook paths. Each defaults to its Default*Path constant if empty.
	ClassifyPath string
	SectionsPath string
	KeywordsPath string
	ComposePath  string
}

// Client calls the workflow-automation webhooks. All hooks share one HTTP
// client so the rate limit bounds the automation service as a whole.
type Client struct {
	httpClient *analysis.HTTPClient
	config     Config
}

// Compile-time checks that Client serves both the retry engine and the
// query orchestrator.
var (
	_ analysis.Classifier = (*Client)(nil)
	_ analysis.QueryHooks = (*Client)(nil)
)

// NewClient creates a new automation client with the given configuration.
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
	if cfg.ClassifyPath == "" {
		cfg.ClassifyPath = DefaultClassifyPath
	}
	if cfg.SectionsPath == "" {
		cfg.SectionsPath = DefaultSectionsPath
	}
	if cfg.KeywordsPath == "" {
		cfg.KeywordsPath = DefaultKeywordsPath
	}
	if cfg.ComposePath == "" {
		cfg.ComposePath = DefaultComposePath
	}

	if httpClient == nil {
		// The classification retry engine owns retries against this
		// service. A second wire-level loop would hide failed attempts
		// from the per-sentence retry counts.
		httpClient = analysis.NewHTTPClient(analysis.HTTPClientConfig{
			Timeout:        cfg.Timeout,
			RateLimit:      cfg.RateLimit,
			BurstSize:      cfg.BurstSize,
			APIKey:         cfg.APIKey,
			APIKeyHeader:   apiKeyHeader,
			DisableRetries: true,
		})
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// Classify asks the classification webhook for a verdict on one sentence.
// A response without a category is reported as an API error so the retry
// engine treats it like any other transient failure.
func (c *Client) Classify(ctx context.Context, sentence string) (*analysis.Classification, error) {
	if strings.TrimSpace(sentence) == "" {
		return nil, domain.NewValidationError("sentence", "sentence is empty")
	}

	var resp classifyResponse
	status, err := c.postJSON(ctx, c.config.ClassifyPath, classifyRequest{Sentence: sentence}, &resp)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Category) == "" {
		return nil, domain.NewExternalAPIError(sourceName, status, "classification response missing category", nil)
	}

	return &analysis.Classification{
		Category:    strings.ToLower(strings.TrimSpace(resp.Category)),
		Explanation: strings.TrimSpace(resp.Explanation),
	}, nil
}

// SelectSections asks the selection webhook which sections are relevant to
// the question. An empty list is a valid answer; the caller decides whether
// to fall back.
func (c *Client) SelectSections(ctx context.Context, question string, sections []analysis.SectionSummary) ([]uuid.UUID, error) {
	payload := selectSectionsRequest{
		Question: question,
		Sections: make([]sectionPayload, 0, len(sections)),
	}
	for _, s := range sections {
		payload.Sections = append(payload.Sections, sectionPayload{
			ID:          s.ID,
			PaperID:     s.PaperID,
			SectionType: string(s.Type),
			Page:        s.Page,
			Preview:     s.Preview,
		})
	}

	var resp selectSectionsResponse
	if _, err := c.postJSON(ctx, c.config.SectionsPath, payload, &resp); err != nil {
		return nil, err
	}
	return resp.SectionIDs, nil
}

// ExtractKeywords asks the keyword webhook to derive search terms from the
// raw question.
func (c *Client) ExtractKeywords(ctx context.Context, question string) ([]string, error) {
	var resp extractKeywordsResponse
	if _, err := c.postJSON(ctx, c.config.KeywordsPath, extractKeywordsRequest{Question: question}, &resp); err != nil {
		return nil, err
	}

	keywords := make([]string, 0, len(resp.Keywords))
	for _, k := range resp.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			keywords = append(keywords, k)
		}
	}
	return keywords, nil
}

// ComposeAnswer asks the composition webhook to write the final answer from
// the selected content and keywords.
func (c *Client) ComposeAnswer(ctx context.Context, question string, content []analysis.ContentItem, keywords []string) (string, error) {
	payload := composeAnswerRequest{
		Question: question,
		Keywords: keywords,
		Content:  make([]contentPayload, 0, len(content)),
	}
	for _, item := range content {
		payload.Content = append(payload.Content, contentPayload{
			ReferenceID: item.ReferenceID,
			PaperID:     item.PaperID,
			SectionType: string(item.SectionType),
			Page:        item.Page,
			Text:        item.Text,
			Explanation: item.Explanation,
		})
	}

	var resp composeAnswerResponse
	status, err := c.postJSON(ctx, c.config.ComposePath, payload, &resp)
	if err != nil {
		return "", err
	}
	answer := strings.TrimSpace(resp.Answer)
	if answer == "" {
		return "", domain.NewExternalAPIError(sourceName, status, "composition response missing answer", nil)
	}
	return answer, nil
}

// postJSON posts a JSON payload to a webhook path and decodes the JSON
// response into out. It returns the response status code for error
// reporting by callers that validate the decoded body.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding request: %w", err)
	}

	hookURL, err := url.JoinPath(c.config.BaseURL, path)
	if err != nil {
		return 0, fmt.Errorf("building webhook URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if err := c.handleErrorResponse(resp); err != nil {
		return resp.StatusCode, err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
	}
	return resp.StatusCode, nil
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
