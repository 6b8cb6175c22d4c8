package websocket

import "github.com/stemsi/exstem-proctor/internal/proctor"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPing Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError         Event = "error"
	EventPong          Event = "pong"
	EventStatusChanged Event = "status_changed"
)

// ResponseEnvelope is used to peek at the event before full parsing.
type ResponseEnvelope struct {
	Event Event `json:"event"`
}

// StatusChangedEvent is pushed whenever the authority changes a candidate's
// exam-mode status or counters.
type StatusChangedEvent struct {
	Event  Event                  `json:"event"`
	Status proctor.StatusSnapshot `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
