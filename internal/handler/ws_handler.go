package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			// Non-browser clients such as the proctor agent send no Origin.
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// statusSubscription is the part of *redis.PubSub the stream reads from.
type statusSubscription interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// subscribeFunc subscribes to a candidate's status channel and returns once
// the subscription is confirmed.
type subscribeFunc func(ctx context.Context, contestID uuid.UUID, userID int) (statusSubscription, error)

func redisSubscriber(rdb *redis.Client) subscribeFunc {
	return func(ctx context.Context, contestID uuid.UUID, userID int) (statusSubscription, error) {
		channel := config.CacheKey.ExamModeChannel(contestID.String(), userID)
		pubsub := rdb.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		return pubsub, nil
	}
}

// WSHandler pushes exam-mode status changes to the candidate.
type WSHandler struct {
	subscribe subscribeFunc
	svc       ExamModeService
	log       zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(rdb *redis.Client, svc ExamModeService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		subscribe: redisSubscriber(rdb),
		svc:       svc,
		log:       log.With().Str("component", "ws_handler").Logger(),
		upgrader:  buildUpgrader(allowedOrigins),
	}
}

// ExamModeStream godoc
// WS /ws/v1/contests/:contest_id/exam-mode/stream
// Sends the current snapshot on connect and a status_changed event for every
// later change. Clients keep the connection alive with ping actions.
func (h *WSHandler) ExamModeStream(c *gin.Context) {
	claims, contestID, ok := contestRequest(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no change slips in between.
	sub, err := h.subscribe(ctx, contestID, claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Msg("Status subscription failed")
		failService(c, h.log, err)
		return
	}
	defer sub.Close()

	snap, err := h.svc.GetStatus(ctx, contestID, claims.UserID)
	if err != nil {
		failService(c, h.log, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Str("contest_id", contestID.String()).
		Logger()
	wsLog.Info().Msg("Exam-mode stream connected")

	// gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	write := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteTyped(conn, v)
	}

	if err := write(ws.StatusChangedEvent{Event: ws.EventStatusChanged, Status: snap}); err != nil {
		return
	}

	go func() {
		defer cancel()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var snap proctor.StatusSnapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					wsLog.Warn().Err(err).Msg("Dropping malformed status message")
					continue
				}
				if err := write(ws.StatusChangedEvent{Event: ws.EventStatusChanged, Status: snap}); err != nil {
					wsLog.Debug().Err(err).Msg("Stream write failed")
					return
				}
			}
		}
	}()

	// Closing the connection unblocks the read loop when the pump exits.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var msg ws.RequestEnvelope
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionPing:
			if err := write(ws.PongResponse{Event: ws.EventPong}); err != nil {
				return
			}
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			writeMu.Lock()
			err := ws.WriteError(conn, "unknown action: "+string(msg.Action))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
