// Package backend is the REST client for the transcription backend: persisted
// turns of a visit and the heartbeat of a transcription session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldvoice/fieldvoice/internal/logging"
	"github.com/fieldvoice/fieldvoice/internal/turns"
)

var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL        string // http(s)://host[/prefix]
	Token          string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// TranscriptionSession is the subset of the session record the clients need.
type TranscriptionSession struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
}

type Client struct {
	config     Config
	httpClient *http.Client
	log        zerolog.Logger
}

func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base url cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 500 * time.Millisecond
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logging.WithComponent("backend"),
	}, nil
}

// TurnsByVisitSession returns the committed turns of a visit. The backend may
// answer with a bare array or with {"turns": [...]}.
func (c *Client) TurnsByVisitSession(ctx context.Context, visitSessionID string) ([]turns.PersistedTurn, error) {
	body, err := c.get(ctx, "/visit-sessions/"+url.PathEscape(visitSessionID)+"/turns")
	if err != nil {
		return nil, err
	}

	body = bytes.TrimSpace(body)
	var out []turns.PersistedTurn
	if len(body) > 0 && body[0] == '{' {
		var wrapped struct {
			Turns []turns.PersistedTurn `json:"turns"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode turns: %w", err)
		}
		out = wrapped.Turns
	} else if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}

	c.log.Debug().Str("visitSessionId", visitSessionID).Int("turns", len(out)).Msg("fetched persisted turns")
	return out, nil
}

func (c *Client) TranscriptionSession(ctx context.Context, id string) (*TranscriptionSession, error) {
	body, err := c.get(ctx, "/transcription-sessions/"+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var s TranscriptionSession
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode transcription session: %w", err)
	}
	return &s, nil
}

// LastHeartbeat returns the session heartbeat, or the zero time when the
// session has none.
func (c *Client) LastHeartbeat(ctx context.Context, transcriptionSessionID string) (time.Time, error) {
	s, err := c.TranscriptionSession(ctx, transcriptionSessionID)
	if err != nil {
		return time.Time{}, err
	}
	if s.LastHeartbeatAt == nil {
		return time.Time{}, nil
	}
	return *s.LastHeartbeatAt, nil
}

// get retries network errors and 5xx responses with exponential backoff.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := c.doRequest(ctx, path)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var statusErr *StatusError
		if errors.Is(err, ErrNotFound) || (errors.As(err, &statusErr) && statusErr.StatusCode < 500) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("request failed")
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
