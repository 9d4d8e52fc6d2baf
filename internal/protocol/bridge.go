package protocol

import "github.com/coworkhub/chatsync/internal/chat"

// Client -> bridge frame types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeSend     = "send"
	TypeTyping   = "typing"
	TypeMarkRead = "mark_read"
	TypePing     = "ping"
)

// Bridge -> client frame types.
const (
	TypeSnapshot = "snapshot"
	TypeAck      = "ack"
	TypeError    = "error"
	TypePong     = "pong"
)

// Error codes carried in ErrorMsg.
const (
	CodeBadRequest    = "bad_request"
	CodeInvalid       = "invalid_message"
	CodeSlowMode      = "slow_mode"
	CodeNotSubscribed = "not_subscribed"
	CodeJoinTimeout   = "join_timeout"
	CodeUpstream      = "upstream_error"
)

// JoinMsg asks the bridge to subscribe to a channel.
type JoinMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	Force     bool   `json:"force,omitempty"`
}

// LeaveMsg asks the bridge to unsubscribe from a channel.
type LeaveMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// SendMsg posts a new message to a channel.
type SendMsg struct {
	Type        string            `json:"type"`
	ChannelID   string            `json:"channel_id"`
	Content     string            `json:"content"`
	Kind        chat.Kind         `json:"kind,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
}

// TypingMsg reports local keystrokes (IsTyping) or an explicit stop.
type TypingMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	IsTyping  bool   `json:"is_typing"`
}

// MarkReadMsg marks every unread event in a channel as read.
type MarkReadMsg struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// SnapshotMsg pushes the engine state to the client.
type SnapshotMsg struct {
	Type  string      `json:"type"`
	State interface{} `json:"state"`
}

// AckMsg confirms a command. MessageID is set for sends.
type AckMsg struct {
	Type      string `json:"type"`
	Of        string `json:"of"`
	ChannelID string `json:"channel_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorMsg is sent by the bridge to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the bridge's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

var clientMessages = map[string]decoder{
	TypeJoin:     as[JoinMsg](),
	TypeLeave:    as[LeaveMsg](),
	TypeSend:     as[SendMsg](),
	TypeTyping:   as[TypingMsg](),
	TypeMarkRead: as[MarkReadMsg](),
	TypePing:     as[PingMsg](),
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// An error is returned for unknown or bridge-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	return decode(data, clientMessages, "client")
}

// NewServerMessage creates the JSON bytes of a bridge frame with msgType
// injected under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}
