package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// Watch follows the exam-mode status stream for a contest and calls fn for
// every status change. It reconnects with exponential backoff and returns
// when ctx is done or the authority rejects the token.
func (c *Client) Watch(ctx context.Context, contestID uuid.UUID, fn func(proctor.StatusSnapshot)) error {
	endpoint := c.streamURL(contestID)
	backoff := c.minBackoff

	for {
		connected, err := c.stream(ctx, endpoint, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if connected {
			backoff = c.minBackoff
		}

		c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Status stream disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) streamURL(contestID uuid.UUID) string {
	u := c.baseURL.JoinPath("ws", "v1", "contests", contestID.String(), "exam-mode", "stream")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// stream runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (c *Client) stream(ctx context.Context, endpoint string, fn func(proctor.StatusSnapshot)) (connected bool, err error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("dial status stream: %w", ErrUnauthorized)
		}
		return false, fmt.Errorf("dial status stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go c.ping(conn, done)

	c.log.Debug().Msg("Status stream connected")

	for {
		event, data, err := ws.ReadEvent(conn)
		if err != nil {
			return true, fmt.Errorf("read status stream: %w", err)
		}

		switch event {
		case ws.EventStatusChanged:
			var msg ws.StatusChangedEvent
			if err := json.Unmarshal(data, &msg); err != nil {
				c.log.Warn().Err(err).Msg("Malformed status event")
				continue
			}
			fn(msg.Status)
		case ws.EventPong:
		case ws.EventError:
			var msg ws.ErrorResponse
			_ = json.Unmarshal(data, &msg)
			c.log.Warn().Str("error", msg.Error).Msg("Status stream error")
		default:
			c.log.Debug().Str("event", string(event)).Msg("Unknown stream event")
		}
	}
}

// ping is the connection's only writer.
func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteTyped(conn, ws.RequestEnvelope{Action: ws.ActionPing}); err != nil {
				return
			}
		}
	}
}
