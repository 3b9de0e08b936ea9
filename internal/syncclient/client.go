// Package syncclient talks to the remote annotation service: session
// metadata, the document, the annotation feed and the write operations.
// Every operation has a blocking form and an Async form whose completion is
// delivered on the client's callback executor.
package syncclient

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"annosync/internal/annotation"
	"annosync/internal/callback"
	"annosync/internal/metrics"
	"annosync/internal/rbac"
	"annosync/internal/xfdf"
)

const (
	DefaultTimeout   = 60 * time.Second
	DefaultUserAgent = "annosync/1.0"

	// XFDFContentType is sent with feed uploads and action batches.
	XFDFContentType = "application/vnd.adobe.xfdf"

	maxBodyBytes = 512 << 20
)

// Operation names used in errors, logs and metrics.
const (
	OpFetchMetadata    = "fetch-metadata"
	OpFetchDocument    = "fetch-document"
	OpFetchFeed        = "fetch-feed"
	OpPushActions      = "push-actions"
	OpUploadFeed       = "upload-feed"
	OpDeleteAnnotation = "delete-annotation"
)

type Client struct {
	httpClient *http.Client
	userAgent  string
	retry      RetryPolicy
	limiter    *rate.Limiter
	executor   callback.Executor
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		userAgent:  DefaultUserAgent,
		executor:   callback.Inline{},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithRetryPolicy replaces the zero policy, under which requests are sent
// once.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithRateLimiter makes every attempt wait for a token first.
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithExecutor sets where Async completions run. The default runs them on
// the goroutine that performed the request.
func WithExecutor(executor callback.Executor) Option {
	return func(c *Client) {
		if executor != nil {
			c.executor = executor
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

type metadataPayload struct {
	URLs struct {
		PDFDownload string `json:"pdf_download"`
	} `json:"urls"`
	Annotations struct {
		Enabled     bool   `json:"enabled"`
		UserName    string `json:"user_name"`
		Permissions string `json:"permissions"`
		XFDFURL     string `json:"xfdf_url"`
	} `json:"annotations"`
	PandaPush *struct {
		Host               string `json:"host"`
		AnnotationsChannel string `json:"annotations_channel"`
		AnnotationsToken   string `json:"annotations_token"`
	} `json:"panda_push"`
}

// FetchMetadata loads the session description. Relative document and feed
// URLs are resolved against sessionURL.
func (c *Client) FetchMetadata(ctx context.Context, sessionURL string) (annotation.Metadata, error) {
	body, err := c.do(ctx, OpFetchMetadata, http.MethodGet, sessionURL, nil, "")
	if err != nil {
		return annotation.Metadata{}, err
	}

	var payload metadataPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return annotation.Metadata{}, &FetchError{Op: OpFetchMetadata, URL: sessionURL, Err: fmt.Errorf("decode metadata: %w", err)}
	}

	documentURL, err := resolve(sessionURL, payload.URLs.PDFDownload)
	if err != nil {
		return annotation.Metadata{}, &FetchError{Op: OpFetchMetadata, URL: sessionURL, Err: fmt.Errorf("document url: %w", err)}
	}
	feedURL, err := resolve(sessionURL, payload.Annotations.XFDFURL)
	if err != nil {
		return annotation.Metadata{}, &FetchError{Op: OpFetchMetadata, URL: sessionURL, Err: fmt.Errorf("feed url: %w", err)}
	}

	meta := annotation.Metadata{
		DocumentURL: documentURL,
		FeedURL:     feedURL,
		Enabled:     payload.Annotations.Enabled,
		Permission:  rbac.Normalize(payload.Annotations.Permissions),
		UserName:    payload.Annotations.UserName,
	}
	if push := payload.PandaPush; push != nil && push.AnnotationsChannel != "" {
		meta.Push = &annotation.Push{
			Host:    push.Host,
			Channel: push.AnnotationsChannel,
			Token:   push.AnnotationsToken,
		}
	}
	return meta, nil
}

// FetchDocument downloads the binary document.
func (c *Client) FetchDocument(ctx context.Context, documentURL string) ([]byte, error) {
	return c.do(ctx, OpFetchDocument, http.MethodGet, documentURL, nil, "")
}

// FetchFeed downloads the full annotation feed.
func (c *Client) FetchFeed(ctx context.Context, feedURL string) (xfdf.Document, error) {
	body, err := c.do(ctx, OpFetchFeed, http.MethodGet, feedURL, nil, "")
	if err != nil {
		return nil, err
	}
	return xfdf.Document(body), nil
}

// PushActions posts an action batch. The response body is ignored.
func (c *Client) PushActions(ctx context.Context, feedURL string, batch xfdf.Document) error {
	_, err := c.do(ctx, OpPushActions, http.MethodPost, feedURL, batch, XFDFContentType)
	return err
}

// UploadFeed replaces the remote feed with a complete document.
func (c *Client) UploadFeed(ctx context.Context, feedURL string, feed xfdf.Document) error {
	_, err := c.do(ctx, OpUploadFeed, http.MethodPut, feedURL, feed, XFDFContentType)
	return err
}

// DeleteAnnotation removes a single annotation by id.
func (c *Client) DeleteAnnotation(ctx context.Context, sessionURL, id string) error {
	target := strings.TrimRight(sessionURL, "/") + "/annotations/" + url.PathEscape(id)
	_, err := c.do(ctx, OpDeleteAnnotation, http.MethodDelete, target, nil, "")
	return err
}

func (c *Client) do(ctx context.Context, op, method, target string, body []byte, contentType string) ([]byte, error) {
	started := time.Now()
	var data []byte
	err := c.retry.run(ctx, func(attempt int) error {
		if attempt > 0 {
			c.metrics.SyncRetry(op)
			c.logger.Debug("retrying request", zap.String("op", op), zap.String("url", target), zap.Int("attempt", attempt))
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &FetchError{Op: op, URL: target, Err: fmt.Errorf("rate limit: %w", err)}
			}
		}
		var err error
		data, err = c.once(ctx, op, method, target, body, contentType)
		return err
	})
	c.metrics.ObserveSync(op, started, err)
	if err != nil {
		c.logger.Warn("sync request failed", zap.String("op", op), zap.String("url", target), zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (c *Client) once(ctx context.Context, op, method, target string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &FetchError{Op: op, URL: target, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{Op: op, URL: target, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{Op: op, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	return data, nil
}

func resolve(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("missing")
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}
