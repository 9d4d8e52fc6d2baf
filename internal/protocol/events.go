package protocol

import (
	"time"

	"github.com/coworkhub/chatsync/internal/chat"
)

// Channel-scoped transport event types, published on chat.<channel_id>.
const (
	EventMessageSent     = "message_sent"
	EventMessagesRead    = "messages_read"
	EventTypingStart     = "typing_start"
	EventTypingStop      = "typing_stop"
	EventReactionUpdated = "reaction_updated"
)

// Presence-scoped transport event types, published on the presence topic.
const (
	EventPresenceSnapshot = "presence_snapshot"
	EventMemberAdded      = "member_added"
	EventMemberRemoved    = "member_removed"
)

// MessageSent carries a newly persisted event.
type MessageSent struct {
	Type      string     `json:"type"`
	ChannelID string     `json:"channel_id"`
	Message   chat.Event `json:"message"`
}

// MessagesRead announces that a participant read a set of events.
type MessagesRead struct {
	Type       string    `json:"type"`
	ChannelID  string    `json:"channel_id"`
	UserID     string    `json:"user_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// Typing is the payload of both typing_start and typing_stop.
type Typing struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
}

// ReactionUpdated adds or removes one participant's reaction.
type ReactionUpdated struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Added     bool   `json:"added"`
}

// PresenceMember identifies a participant on the presence topic.
type PresenceMember struct {
	UserID   string    `json:"user_id"`
	Name     string    `json:"name,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// PresenceSnapshot lists the members online when the presence subscription
// became ready.
type PresenceSnapshot struct {
	Type    string           `json:"type"`
	Members []PresenceMember `json:"members"`
}

// MemberChange is the payload of member_added and member_removed.
type MemberChange struct {
	Type   string         `json:"type"`
	Member PresenceMember `json:"member"`
}

var transportEvents = map[string]decoder{
	EventMessageSent:      as[MessageSent](),
	EventMessagesRead:     as[MessagesRead](),
	EventTypingStart:      as[Typing](),
	EventTypingStop:       as[Typing](),
	EventReactionUpdated:  as[ReactionUpdated](),
	EventPresenceSnapshot: as[PresenceSnapshot](),
	EventMemberAdded:      as[MemberChange](),
	EventMemberRemoved:    as[MemberChange](),
}

// ParseEvent parses a transport payload into a typed event. It returns the
// event type string, the decoded struct (by value), and any error
// encountered. Unknown types are an error.
func ParseEvent(data []byte) (string, interface{}, error) {
	return decode(data, transportEvents, "transport")
}

// NewEvent encodes a transport event, injecting msgType as its "type".
func NewEvent(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}
