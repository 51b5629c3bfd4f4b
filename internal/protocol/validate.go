package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload for text
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyText is returned by ValidateText for an empty message.
var ErrEmptyText = errors.New("message text is empty")

// ValidateText checks that chat message text meets content requirements. The
// same rules are applied by clients before an optimistic append and by the
// relay before fan-out.
func ValidateText(text string) error {
	if len(text) == 0 {
		return ErrEmptyText
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}
