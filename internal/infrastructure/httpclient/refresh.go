package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mindsync/mindsync/internal/domain/credentials"
)

const (
	refreshPath    = "/api/auth/refresh"
	refreshKey     = "refresh"
	refreshTimeout = 15 * time.Second
)

// Refresher exchanges the refresh token for a new pair. Concurrent callers share
// one in-flight exchange and all observe its outcome.
type Refresher struct {
	group   singleflight.Group
	baseURL string
	http    *http.Client
	tokens  credentials.Store
	logger  zerolog.Logger
}

func NewRefresher(baseURL string, httpClient *http.Client, tokens credentials.Store, logger zerolog.Logger) *Refresher {
	return &Refresher{
		baseURL: baseURL,
		http:    httpClient,
		tokens:  tokens,
		logger:  logger.With().Str("service", "refresher").Logger(),
	}
}

// DoRefresh joins the in-flight refresh or starts one. The result value is credentials.Tokens.
func (r *Refresher) DoRefresh(ctx context.Context) <-chan singleflight.Result {
	// the exchange outlives any single caller that gives up waiting
	detached := context.WithoutCancel(ctx)
	return r.group.DoChan(refreshKey, func() (any, error) {
		ctx, cancel := context.WithTimeout(detached, refreshTimeout)
		defer cancel()
		return r.refresh(ctx)
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (r *Refresher) refresh(ctx context.Context) (credentials.Tokens, error) {
	current, err := r.tokens.Load(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoTokens) {
			return credentials.Tokens{}, ErrUnauthorized
		}
		return credentials.Tokens{}, fmt.Errorf("load credentials: %w", err)
	}
	if current.Refresh == "" {
		return credentials.Tokens{}, ErrUnauthorized
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: current.Refresh})
	if err != nil {
		return credentials.Tokens{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+refreshPath, bytes.NewReader(body))
	if err != nil {
		return credentials.Tokens{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn().Err(err).Msg("token refresh failed")
		return credentials.Tokens{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body)
		r.logger.Warn().Int("status", res.StatusCode).Msg("token refresh rejected")
		return credentials.Tokens{}, ErrUnauthorized
	}

	var out refreshResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return credentials.Tokens{}, fmt.Errorf("%w: decode refresh response: %v", ErrUnauthorized, err)
	}
	if out.AccessToken == "" {
		return credentials.Tokens{}, ErrUnauthorized
	}

	next := credentials.Tokens{Access: out.AccessToken, Refresh: out.RefreshToken}
	if next.Refresh == "" {
		next.Refresh = current.Refresh
	}
	if err := r.tokens.Save(ctx, next); err != nil {
		return credentials.Tokens{}, fmt.Errorf("save credentials: %w", err)
	}
	r.logger.Info().Msg("access token refreshed")
	return next, nil
}
