package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count

	MinUsernameChars = 2
	MaxUsernameChars = 20

	MaxRoomNameChars = 32
)

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// NormalizeUsername trims surrounding whitespace. Every session operation
// normalizes its username first, so " bob" and "bob" are the same user.
func NormalizeUsername(name string) string {
	return strings.TrimSpace(name)
}

// ValidateUsername checks the display-name rules on the normalized name:
// 2-20 ASCII letters, digits, underscores and spaces.
func ValidateUsername(name string) error {
	name = NormalizeUsername(name)
	if n := len(name); n < MinUsernameChars || n > MaxUsernameChars {
		return fmt.Errorf("%w: must be %d-%d characters", ErrInvalidUsername, MinUsernameChars, MaxUsernameChars)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ' ':
		default:
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidUsername, r)
		}
	}
	return nil
}

// ValidateRoomName checks that a room name is 1-32 ASCII letters, digits, '-' and '_', so it can be used as a broker channel name.
func ValidateRoomName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxRoomNameChars {
		return fmt.Errorf("chat: room name must be 1-%d characters", MaxRoomNameChars)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("chat: room name character %q not allowed", r)
		}
	}
	return nil
}
