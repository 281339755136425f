package deploy

import (
	"errors"
	"regexp"
)

var (
	// ErrInvalidInput is returned when caller-supplied values fail validation.
	// Nothing is persisted when it is returned.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a referenced record or file does not exist,
	// including server paths that resolve outside the upload root.
	ErrNotFound = errors.New("not found")

	// ErrUnknownAgent is returned when no agent matches a machine identifier.
	ErrUnknownAgent = errors.New("unknown agent")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{128}$`)

// ValidHash reports whether s is a lowercase hex SHA-512 digest.
func ValidHash(s string) bool {
	return hashPattern.MatchString(s)
}
