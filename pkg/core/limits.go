package core

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits enforced on producer-supplied input.
const (
	// MaxQueueNameLength is the maximum length for queue names.
	MaxQueueNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for an inline or
	// offloaded payload (16MB).
	MaxPayloadSize = 16 << 20

	// MaxAttemptsLimit is the hard cap on a job's retry budget.
	MaxAttemptsLimit = 100

	// MaxErrorMessageLength is the maximum length for stored error details.
	MaxErrorMessageLength = 4096
)

// validQueueName matches alphanumeric names with hyphens, underscores, and
// dots, starting with a letter. The reserved dead-letter queue starts with
// an underscore precisely so it can never collide with a valid user queue.
var validQueueName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateQueueName validates a producer-supplied queue name.
func ValidateQueueName(name string) error {
	if name == "" {
		return Invalid("queue_name", "must not be empty")
	}
	if len(name) > MaxQueueNameLength {
		return Invalid("queue_name", "too long")
	}
	if !validQueueName.MatchString(name) {
		return Invalid("queue_name", "must be alphanumeric, start with a letter")
	}
	return nil
}

// SanitizeErrorMessage truncates and strips control characters from error
// details before storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures a retry budget is within [1, MaxAttemptsLimit].
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttemptsLimit {
		return MaxAttemptsLimit
	}
	return n
}
