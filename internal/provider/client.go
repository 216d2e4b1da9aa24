package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Static errors for provider client operations.
var (
	// ErrBaseURLRequired is returned when the base URL is not provided.
	ErrBaseURLRequired = errors.New("provider: base URL is required")
	// ErrAPIKeyRequired is returned when no API key is available.
	ErrAPIKeyRequired = errors.New("provider: API key is required")
	// ErrJobIDRequired is returned when the provider job ID is not provided.
	ErrJobIDRequired = errors.New("provider: job ID is required")
	// ErrNoJobIDReturned is returned when the create response contains no job ID.
	ErrNoJobIDReturned = errors.New("provider: create failed: no job ID returned")
	// ErrCreateFailed is returned when the create operation fails.
	ErrCreateFailed = errors.New("provider: create failed")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("provider: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("provider: request failed")
)

// Default per-operation timeouts.
const (
	DefaultCreateTimeout   = 60 * time.Second
	DefaultStatusTimeout   = 20 * time.Second
	DefaultDownloadTimeout = 60 * time.Second
)

// HTTPClient is the HTTP implementation of the Provider interface.
type HTTPClient struct {
	apiKey          string
	baseURL         string
	httpClient      *http.Client
	createTimeout   time.Duration
	statusTimeout   time.Duration
	downloadTimeout time.Duration
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(hc *HTTPClient) {
		hc.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeouts overrides the per-operation timeouts. Non-positive values
// keep the defaults.
func WithTimeouts(create, status, download time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if create > 0 {
			hc.createTimeout = create
		}
		if status > 0 {
			hc.statusTimeout = status
		}
		if download > 0 {
			hc.downloadTimeout = download
		}
	}
}

// NewClient creates a new provider HTTP client. The API key can be set via
// the WithAPIKey option; if not provided, it is read from the environment
// variable DUB_PROVIDER_API_KEY.
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{},
		createTimeout:   DefaultCreateTimeout,
		statusTimeout:   DefaultStatusTimeout,
		downloadTimeout: DefaultDownloadTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("DUB_PROVIDER_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	return c, nil
}

// Create submits a chunk for dubbing and returns the provider job ID.
func (c *HTTPClient) Create(ctx context.Context, req CreateRequest) (string, error) {
	data, err := os.ReadFile(req.SourcePath) // #nosec G304 - path is under the job workspace
	if err != nil {
		return "", fmt.Errorf("provider: read chunk: %w", err)
	}

	body := dubbingJobDto{
		SourceBase64:   base64.StdEncoding.EncodeToString(data),
		Filename:       filepath.Base(req.SourcePath),
		TargetLanguage: req.TargetLanguage,
		SourceLanguage: req.SourceLanguage,
		Watermark:      req.UseWatermark,
		NumSpeakers:    req.NumSpeakers,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	var resp createResponseDto
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/dubs", bodyBytes, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrCreateFailed, resp.Error)
		}
		return "", ErrNoJobIDReturned
	}

	return resp.ID, nil
}

// Status reports the current state of a provider job.
func (c *HTTPClient) Status(ctx context.Context, providerJobID string) (StatusResult, error) {
	if providerJobID == "" {
		return StatusResult{}, ErrJobIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	var resp dubbingStatusDto
	url := fmt.Sprintf("%s/dubs/%s", c.baseURL, providerJobID)
	if err := c.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{Percent: -1}
	switch strings.ToLower(resp.Status) {
	case "dubbed", "complete", "completed":
		result.State = StateDubbed
	case "failed", "error":
		result.State = StateFailed
		result.ErrorMessage = resp.Error
	default:
		result.State = StateDubbing
	}
	if resp.Percent != nil {
		result.Percent = *resp.Percent
	}

	return result, nil
}

// Download fetches the dubbed audio for a finished provider job.
func (c *HTTPClient) Download(ctx context.Context, providerJobID, targetLanguage string) ([]byte, error) {
	if providerJobID == "" {
		return nil, ErrJobIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/dubs/%s/audio?language=%s", c.baseURL, providerJobID, targetLanguage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("provider: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.statusError(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("provider: read response: %w", err)}
	}
	return data, nil
}

// doJSON performs a single JSON request and decodes the response.
func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("provider: create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("provider: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("provider: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("provider: unmarshal response: %w", err)
		}
	}

	return nil
}

// statusError maps a non-2xx status code to a classified error.
func (c *HTTPClient) statusError(code int, body []byte) error {
	if code >= 500 {
		return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, code, string(body))}
	}
	if code == http.StatusTooManyRequests {
		return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(body))}
	}
	return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, code, string(body))
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retriable returns true if the error is transient and the operation should
// be retried: network failures, 5xx responses and rate limiting.
func Retriable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// nonRetriableFailures are substrings of provider failure messages that mark
// a permanent rejection.
var nonRetriableFailures = []string{
	"content policy",
	"content-policy",
	"invalid language",
	"unsupported language",
	"zero duration",
	"zero-duration",
}

// RetriableFailure classifies a provider-reported failure message.
// Content-policy rejections, invalid-language and zero-duration failures are
// permanent; everything else is treated as transient.
func RetriableFailure(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range nonRetriableFailures {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
