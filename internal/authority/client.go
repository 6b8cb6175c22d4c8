// Package authority is the candidate-side client of the exam-mode trust
// authority. Client implements proctor.Authority over the HTTP API and can
// follow the push stream for status changes.
package authority

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

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

var (
	ErrUnauthorized      = errors.New("authority: unauthorized")
	ErrForbidden         = errors.New("authority: forbidden")
	ErrNotFound          = errors.New("authority: not found")
	ErrInvalidTransition = errors.New("authority: invalid exam-mode transition")
	ErrRateLimited       = errors.New("authority: rate limited")
)

const maxBodyBytes = 1 << 20

// APIError is a failed authority response. It unwraps to one of the
// package sentinels when the error code is known.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("authority: http %d", e.StatusCode)
	}
	return fmt.Sprintf("authority: http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "TOKEN_REQUIRED", "TOKEN_INVALID", "TOKEN_EXPIRED":
		return ErrUnauthorized
	case "FORBIDDEN", "PERMISSION_DENIED":
		return ErrForbidden
	case "NOT_FOUND":
		return ErrNotFound
	case "INVALID_TRANSITION":
		return ErrInvalidTransition
	case "RATE_LIMIT_EXCEEDED":
		return ErrRateLimited
	}
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	}
	return nil
}

// envelope mirrors the server's response wrapper; only the parts the client
// reads are declared.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to one authority on behalf of one bearer token.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	log     zerolog.Logger

	minBackoff   time.Duration
	maxBackoff   time.Duration
	pingInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "authority_client").Logger() }
}

// WithBackoff bounds the delay between stream reconnects.
func WithBackoff(initial, limit time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.minBackoff = initial
		}
		if limit >= c.minBackoff {
			c.maxBackoff = limit
		}
	}
}

// WithPingInterval sets how often Watch pings the stream.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// New creates a client for the authority at baseURL (scheme and host, e.g.
// http://localhost:8080).
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("authority url must be http or https, got %q", u.Scheme)
	}

	c := &Client{
		baseURL:      u,
		token:        token,
		http:         &http.Client{Timeout: 15 * time.Second},
		log:          zerolog.Nop(),
		minBackoff:   500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ proctor.Authority = (*Client)(nil)

func examModePath(contestID uuid.UUID, rest ...string) []string {
	return append([]string{"api", "v1", "contests", contestID.String(), "exam-mode"}, rest...)
}

// GetExamStatus fetches the caller's exam-mode snapshot for a contest.
func (c *Client) GetExamStatus(ctx context.Context, contestID uuid.UUID) (proctor.StatusSnapshot, error) {
	var snap proctor.StatusSnapshot
	if err := c.do(ctx, http.MethodGet, examModePath(contestID), nil, &snap); err != nil {
		return proctor.StatusSnapshot{}, err
	}
	return snap, nil
}

// RecordViolation reports a violation and returns the authority's verdict.
func (c *Client) RecordViolation(ctx context.Context, contestID uuid.UUID, ev proctor.ViolationEvent) (proctor.Verdict, error) {
	var v proctor.Verdict
	if err := c.do(ctx, http.MethodPost, examModePath(contestID, "violations"), ev, &v); err != nil {
		return proctor.Verdict{}, err
	}
	return v, nil
}

// StartExam starts or resumes the exam.
func (c *Client) StartExam(ctx context.Context, contestID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, examModePath(contestID, "start"), nil, nil)
}

// EndExam submits the exam.
func (c *Client) EndExam(ctx context.Context, contestID uuid.UUID) error {
	return c.do(ctx, http.MethodPost, examModePath(contestID, "end"), nil, nil)
}

func (c *Client) do(ctx context.Context, method string, path []string, body, out interface{}) error {
	endpoint := c.baseURL.JoinPath(path...).String()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", method, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	var env envelope
	decodeErr := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&env)

	if resp.StatusCode >= http.StatusMultipleChoices || env.Error != nil {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		c.log.Debug().Err(apiErr).Str("method", method).Str("url", endpoint).Msg("Authority request failed")
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s %s: %w", method, endpoint, decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s %s data: %w", method, endpoint, err)
	}
	return nil
}
