package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindsync/mindsync/internal/domain/credentials"
)

// ErrUnauthorized means the server rejected the credentials and a refresh could not fix it.
var ErrUnauthorized = errors.New("unauthorized: re-authentication required")

const maxBodyBytes = 8 << 20

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Conflict reports a 409, used by the server for lock refusals.
func (r *Response) Conflict() bool {
	return r.Status == http.StatusConflict
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response (status %d): %w", r.Status, err)
	}
	return nil
}

// Client issues authenticated JSON requests against the collaboration server.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    credentials.Store
	refresher *Refresher
	logger    zerolog.Logger
}

// New creates a client rooted at baseURL.
func New(baseURL string, timeout time.Duration, tokens credentials.Store, logger zerolog.Logger) *Client {
	httpClient := &http.Client{Timeout: timeout}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:   baseURL,
		http:      httpClient,
		tokens:    tokens,
		refresher: NewRefresher(baseURL, httpClient, tokens, logger),
		logger:    logger.With().Str("service", "httpclient").Logger(),
	}
}

// BaseURL returns the server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends a request with the stored access token. A 401 triggers one shared refresh
// followed by a single retry. Other statuses, 409 included, are returned as responses.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	tokens, err := c.tokens.Load(ctx)
	if err != nil && !errors.Is(err, credentials.ErrNoTokens) {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	resp, err := c.send(ctx, method, path, payload, tokens.Access)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}
	if tokens.Refresh == "" {
		return resp, ErrUnauthorized
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("access token rejected, refreshing")
	refreshed, err := c.Refresh(ctx)
	if err != nil {
		return resp, err
	}

	resp, err = c.send(ctx, method, path, payload, refreshed.Access)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusUnauthorized {
		return resp, ErrUnauthorized
	}
	return resp, nil
}

// Refresh waits on the shared refresh and returns the new token pair.
func (c *Client) Refresh(ctx context.Context) (credentials.Tokens, error) {
	select {
	case <-ctx.Done():
		return credentials.Tokens{}, ctx.Err()
	case res := <-c.refresher.DoRefresh(ctx):
		if res.Err != nil {
			return credentials.Tokens{}, res.Err
		}
		return res.Val.(credentials.Tokens), nil
	}
}

// AccessToken returns the stored access token, or "" when none is stored.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	tokens, err := c.tokens.Load(ctx)
	if errors.Is(err, credentials.ErrNoTokens) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tokens.Access, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, access string) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if access != "" {
		req.Header.Set("Authorization", "Bearer "+access)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: data}, nil
}
