package hub

import "github.com/user/playhost/internal/broadcast"

// Frame is one outbound text frame: {"event": name, "data": payload}.
type Frame = broadcast.Event

// Outbound event names besides the broadcaster's own.
const (
	EventActionResult = "action_result"
	EventError        = "error"
	EventEnd          = "end"
)

// ClientMessage is an inbound frame.
type ClientMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Action  string `json:"action,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ActionResultMessage struct {
	ID     string     `json:"id,omitempty"`
	OK     bool       `json:"ok"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
