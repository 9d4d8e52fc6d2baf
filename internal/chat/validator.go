package chat

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max payload
	MaxTextChars    = 2000 // max character count
)

// ErrInvalidMessage is wrapped by every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// ValidateMessage checks that an outbound message meets content requirements.
func ValidateMessage(content string, kind Kind, attachments []Attachment) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
	if kind == KindSystem {
		return fmt.Errorf("%w: system events are backend-only", ErrInvalidMessage)
	}
	if (kind == KindImage || kind == KindFile) && len(attachments) == 0 {
		return fmt.Errorf("%w: %s message without attachment", ErrInvalidMessage, kind)
	}
	if kind == KindText && len(content) == 0 {
		return fmt.Errorf("%w: message text is empty", ErrInvalidMessage)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidMessage, MaxTextChars)
	}
	return nil
}
