package wstransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/rickgao/livesync/internal/errs"
	"github.com/rickgao/livesync/internal/transport"
	"github.com/rickgao/livesync/internal/version"
)

// RunPath is appended to the base URL for one-shot requests.
const RunPath = "/api/run"

// APIError is a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("http api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Requester executes one-shot function calls with POST {baseURL}/api/run.
type Requester struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// NewRequester creates a Requester whose default HTTP client negotiates
// HTTP/2.
func NewRequester(baseURL string, opts ...RequesterOption) (*Requester, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	r := &Requester{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// WithHTTPTimeout sets the HTTP client timeout.
func WithHTTPTimeout(d time.Duration) RequesterOption {
	return func(r *Requester) {
		r.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) RequesterOption {
	return func(r *Requester) {
		r.maxRetries = max
		r.retryBackoff = backoff
	}
}

// WithRequesterLogger sets the logger.
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(r *Requester) {
		r.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RequesterOption {
	return func(r *Requester) {
		r.httpClient = hc
	}
}

type runRequest struct {
	Path string          `json:"path"`
	Args json.RawMessage `json:"args"`
}

// Run posts {path, args} and decodes the {ok, value | errorMessage} reply.
func (r *Requester) Run(ctx context.Context, path string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	payload, err := json.Marshal(runRequest{Path: path, Args: args})
	if err != nil {
		return nil, &errs.SerializationError{Op: "request " + path, Err: err}
	}

	body, err := r.doWithRetry(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, &errs.SerializationError{Op: "decode response " + path, Err: err}
	}
	if !f.Succeeded() {
		return nil, &errs.FunctionError{Function: path, Message: f.ErrorMessage, Code: f.ErrorCode}
	}
	if len(f.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return f.Value, nil
}

func (r *Requester) doRequest(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RunPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range transport.MetadataFrom(ctx) {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       body,
		}
	}
	return body, nil
}

// doWithRetry retries retryable HTTP statuses with exponential backoff and
// maps the final failure onto the livesync error taxonomy.
func (r *Requester) doWithRetry(ctx context.Context, path string, payload []byte) ([]byte, error) {
	op := "request " + path
	var lastErr error
	backoff := r.retryBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			// backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)))
			r.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", path,
			)

			select {
			case <-ctx.Done():
				return nil, errs.Timeout(op, ctx.Err())
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		body, err := r.doRequest(ctx, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, errs.Timeout(op, ctx.Err())
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			// the request may have reached the server before the failure
			return nil, &errs.ConnectionError{Op: op, Err: err, MaybeDelivered: true}
		}
		if !apiErr.IsRetryable() {
			return nil, &errs.FunctionError{Function: path, Message: apiErr.Message, Code: fmt.Sprint(apiErr.StatusCode)}
		}
	}

	return nil, &errs.ConnectionError{Op: op, Err: fmt.Errorf("max retries exceeded: %w", lastErr), MaybeDelivered: true}
}
