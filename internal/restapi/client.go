// Package restapi is the request/response client for the social backend's
// chat and user endpoints.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// successCode is the envelope code the backend uses for a successful call.
const successCode = 200

// envelope is the canonical response wrapper: {code, message, data}.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TokenSource returns the bearer token to attach, or "" for none.
type TokenSource func() string

// Client calls the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithCallTimeout bounds every call; zero disables the per-call deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the API rooted at baseURL (scheme and host, optional path prefix).
func New(baseURL string, token TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("restapi: base url must not be empty")
	}
	if token == nil {
		token = func() string { return "" }
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		token:      token,
		timeout:    15 * time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// call performs one request and decodes the envelope's data into out (when non-nil).
func (c *Client) call(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restapi: marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("restapi: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("restapi: read %s %s: %w", method, path, err)
	}
	c.logger.Debug("rest call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", res.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if res.StatusCode < 200 || res.StatusCode >= 300 || decodeErr != nil {
		se := &ServerError{Method: method, Path: path, StatusCode: res.StatusCode}
		if decodeErr == nil {
			se.Code, se.Message = env.Code, env.Message
		} else {
			se.Message = strings.TrimSpace(string(raw[:min(len(raw), 256)]))
		}
		return se
	}
	if env.Code != successCode {
		return &ServerError{Method: method, Path: path, StatusCode: res.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("restapi: decode data of %s %s: %w", method, path, err)
	}
	return nil
}
