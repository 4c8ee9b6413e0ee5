// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package discovery queries the REST API for the gateway URL, the recommended
// shard count and the session start limits.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xlog "github.com/ManuGH/shardline/internal/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultBaseURL is the REST API root including the version segment.
	DefaultBaseURL = "https://discord.com/api/v10"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 512
)

var (
	ErrUnauthorized = errors.New("discovery: token rejected")
	ErrRateLimited  = errors.New("discovery: rate limited")
	ErrUnavailable  = errors.New("discovery: api unavailable")
	ErrBadResponse  = errors.New("discovery: malformed response")
)

// Error wraps a sentinel with the HTTP status and a truncated body.
type Error struct {
	Sentinel   error
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Sentinel.Error()
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Sentinel }

// SessionStartLimit is the identify budget reported by the API.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetIn returns ResetAfter as a duration.
func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Client calls the REST API with a bot token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client. An empty base uses DefaultBaseURL.
func New(base, token string, opts ...Option) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	c := &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GatewayBot fetches the gateway URL and sharding recommendation.
func (c *Client) GatewayBot(ctx context.Context) (GatewayBot, error) {
	var out GatewayBot
	if err := c.get(ctx, "/gateway/bot", &out); err != nil {
		return GatewayBot{}, err
	}
	if out.URL == "" || out.Shards < 1 {
		return GatewayBot{}, &Error{Sentinel: ErrBadResponse, Err: fmt.Errorf("url=%q shards=%d", out.URL, out.Shards)}
	}
	if out.SessionStartLimit.MaxConcurrency < 1 {
		out.SessionStartLimit.MaxConcurrency = 1
	}
	xlog.FromContext(ctx).Debug().
		Str(xlog.FieldURL, out.URL).
		Int("shards", out.Shards).
		Int("remaining", out.SessionStartLimit.Remaining).
		Msg("gateway discovered")
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "shardline (https://github.com/ManuGH/shardline)")

	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Sentinel: ErrUnavailable, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		e := &Error{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
		switch {
		case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
			e.Sentinel = ErrUnauthorized
		case res.StatusCode == http.StatusTooManyRequests:
			e.Sentinel = ErrRateLimited
			e.RetryAfter = retryAfter(res.Header.Get("Retry-After"))
		case res.StatusCode >= 500:
			e.Sentinel = ErrUnavailable
		default:
			e.Sentinel = ErrBadResponse
		}
		return e
	}

	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		return &Error{Sentinel: ErrBadResponse, Status: res.StatusCode, Err: err}
	}
	return nil
}

// retryAfter parses the header in (possibly fractional) seconds.
func retryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(h) + "s")
	if err != nil || d < 0 {
		return 0
	}
	return d
}
