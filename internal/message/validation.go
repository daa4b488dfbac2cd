package message

import (
	"strings"
	"unicode/utf8"

	chaterrors "github.com/real-rm/chatgateway/internal/errors"
)

// ValidateContent checks a user message body. Length is measured in
// characters of the untrimmed text; emptiness after trimming whitespace.
func ValidateContent(content string, maxLength int) error {
	// No else needed: early return pattern (guard clause)
	if strings.TrimSpace(content) == "" {
		return chaterrors.ErrContentRequired()
	}

	// No else needed: early return pattern (guard clause)
	if utf8.RuneCountInString(content) > maxLength {
		return chaterrors.ErrContentTooLong(maxLength)
	}

	return nil
}

// TruncateTitle derives a chat title from the first user message
func TruncateTitle(content string, maxRunes int, ellipsis string) string {
	runes := []rune(content)
	if len(runes) <= maxRunes {
		return content
	}
	return string(runes[:maxRunes]) + ellipsis
}
