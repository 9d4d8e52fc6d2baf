// Package chat holds the conversation data model and the Message Store, the
// local authoritative view of events across every joined channel.
package chat

import (
	"time"

	"github.com/samber/lo"
)

// Kind is the content kind of an event.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether k is one of the known event kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Participant identifies a sender or the local user.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Attachment is a file referenced by an event.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Filename string `json:"filename"`
}

// ReadReceipt records that a participant has observed an event.
type ReadReceipt struct {
	ReaderID string    `json:"reader_id"`
	ReadAt   time.Time `json:"read_at"`
}

// Event is a single message in a channel. Content is immutable once created;
// only Reactions and ReadBy change after the backend assigns the ID.
type Event struct {
	ID          string              `json:"id"`
	ChannelID   string              `json:"channel_id"`
	Sender      Participant         `json:"sender"`
	Content     string              `json:"content"`
	Kind        Kind                `json:"kind"`
	CreatedAt   time.Time           `json:"created_at"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"` // emoji -> reactor IDs
	ReadBy      []ReadReceipt       `json:"read_by,omitempty"`
	ReplyTo     string              `json:"reply_to,omitempty"`
	Edited      bool                `json:"edited,omitempty"`
	EditedAt    *time.Time          `json:"edited_at,omitempty"`
}

// ReadByParticipant reports whether participantID has a read receipt on e.
func (e Event) ReadByParticipant(participantID string) bool {
	return lo.ContainsBy(e.ReadBy, func(r ReadReceipt) bool {
		return r.ReaderID == participantID
	})
}

// Clone returns a deep copy so callers never share slices or maps with the
// store.
func (e Event) Clone() Event {
	out := e
	if e.Attachments != nil {
		out.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	if e.ReadBy != nil {
		out.ReadBy = append([]ReadReceipt(nil), e.ReadBy...)
	}
	if e.Reactions != nil {
		out.Reactions = make(map[string][]string, len(e.Reactions))
		for emoji, reactors := range e.Reactions {
			out.Reactions[emoji] = append([]string(nil), reactors...)
		}
	}
	if e.EditedAt != nil {
		t := *e.EditedAt
		out.EditedAt = &t
	}
	return out
}

// ChannelKind classifies a conversation.
type ChannelKind string

const (
	ChannelPublic      ChannelKind = "public"
	ChannelPrivate     ChannelKind = "private"
	ChannelDirect      ChannelKind = "direct"
	ChannelAIAssistant ChannelKind = "ai_assistant"
)

// Member is a participant's membership in a channel.
type Member struct {
	ParticipantID string    `json:"participant_id"`
	Role          string    `json:"role"`
	LastSeen      time.Time `json:"last_seen"`
}

// Settings are the per-channel moderation knobs the client honours.
type Settings struct {
	SlowModeSeconds int  `json:"slow_mode_seconds"`
	AllowUploads    bool `json:"allow_uploads"`
	AllowReactions  bool `json:"allow_reactions"`
}

// SlowMode returns the minimum interval between two sends, or zero.
func (s Settings) SlowMode() time.Duration {
	return time.Duration(s.SlowModeSeconds) * time.Second
}

// Channel is a conversation's metadata. Channels are created elsewhere; the
// core only reads them.
type Channel struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Kind     ChannelKind `json:"kind"`
	Members  []Member    `json:"members,omitempty"`
	Settings Settings    `json:"settings"`
}

// IsDirect reports whether unread events in the channel count towards the
// direct-message bucket.
func (c Channel) IsDirect() bool {
	return c.Kind == ChannelDirect || c.Kind == ChannelAIAssistant
}
