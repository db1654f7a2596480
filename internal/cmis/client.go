package cmis

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// Retry policy: base 1s, factor 2x, max 60s, ±25% jitter, max 5 attempts.
// Requests with a body are never retried — content streams are one-shot.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "cmisync-go/0.1"
)

// Media types of the AtomPub binding.
const (
	mediaTypeEntry = "application/atom+xml;type=entry"
	mediaTypeFeed  = "application/atom+xml;type=feed"
)

// Client is an HTTP client for a CMIS AtomPub service endpoint. It handles
// request construction, HTTP Basic authentication, retry with exponential
// backoff for bodiless requests, and error classification.
type Client struct {
	atomURL    string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a CMIS AtomPub client for the given service document URL.
func NewClient(atomURL, username, password string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		atomURL:    atomURL,
		username:   username,
		password:   password,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "cmis")),
		sleepFunc:  timeSleep,
	}
}

// timeSleep waits for d or until ctx is cancelled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Connect fetches the service document and selects the repository with the
// given ID, establishing a session. Network-level failures, an unparseable
// service document, and an unknown repository ID are wrapped in ErrRuntime;
// HTTP 5xx answers keep ErrServerError. IsRuntime accepts both, so the sync
// loop retries them.
func (c *Client) Connect(ctx context.Context, repositoryID string) (*Repository, error) {
	c.logger.Info("connecting", "url", c.atomURL, "repository_id", repositoryID)

	resp, err := c.do(ctx, http.MethodGet, c.atomURL, nil, "")
	if err != nil {
		if _, ok := err.(*CmisError); !ok { //nolint:errorlint // wrapping decision on the direct error
			return nil, fmt.Errorf("%w: fetching service document: %v", ErrRuntime, err)
		}

		return nil, fmt.Errorf("fetching service document: %w", err)
	}
	defer resp.Body.Close()

	var doc serviceDoc
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing service document: %v", ErrRuntime, err)
	}

	for i := range doc.Workspaces {
		ws := &doc.Workspaces[i]
		if ws.RepositoryInfo.RepositoryID != repositoryID {
			continue
		}

		repo := newRepository(c, ws)

		c.logger.Info("connected",
			"repository_id", repo.Info.ID,
			"product", repo.Info.ProductName,
			"change_capability", string(repo.Info.ChangeLogCapability))

		return repo, nil
	}

	return nil, fmt.Errorf("%w: repository %q not found in service document", ErrRuntime, repositoryID)
}

// do executes an authenticated request. Requests without a body are retried
// on transient failures with exponential backoff; requests with a body get
// a single attempt because the reader cannot be replayed.
// The caller closes the response body on success. On HTTP-level failure a
// *CmisError wrapping a sentinel is returned (use errors.Is to classify).
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	attempts := maxRetries
	if body != nil {
		attempts = 1
	}

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleepFunc(ctx, backoffDelay(attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, method, url, body, contentType)
		if err != nil {
			lastErr = err
			c.logger.Debug("request failed", "method", method, "url", url,
				"attempt", attempt+1, "error", err)

			continue
		}

		if classified := classifyStatus(resp.StatusCode); classified != nil {
			cmisErr := newCmisError(resp, classified)
			resp.Body.Close()

			if isRetryable(resp.StatusCode) {
				lastErr = cmisErr
				continue
			}

			return nil, cmisErr
		}

		return resp, nil
	}

	return nil, lastErr
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	return resp, nil
}

// newCmisError builds a CmisError from a non-2xx response, reading a bounded
// excerpt of the body for the message.
func newCmisError(resp *http.Response, sentinel error) *CmisError {
	const maxBodyExcerpt = 512

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))

	return &CmisError{
		StatusCode: resp.StatusCode,
		Message:    string(excerpt),
		Err:        sentinel,
	}
}

// backoffDelay computes the exponential backoff with jitter before the given
// attempt (1-based).
func backoffDelay(attempt int) time.Duration {
	d := baseBackoff

	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * backoffFactor)
		if d > maxBackoff {
			d = maxBackoff
			break
		}
	}

	jitter := 1 + jitterFraction*(2*rand.Float64()-1)

	return time.Duration(float64(d) * jitter)
}
