package util

import (
	"errors"
	"strings"
	"time"
)

// Common timeout durations shared across the module.
const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second
)

// NormalizeBaseURL trims whitespace and a trailing slash from a service base
// URL so paths can be appended with a single "/".
func NormalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	return strings.TrimRight(raw, "/")
}

// ValidateID checks a conversation/message/user identifier coming from
// configuration or the wire. Identifiers are opaque but must be non-empty and
// free of whitespace.
func ValidateID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("identifier is empty")
	}
	if strings.ContainsAny(id, " \t\n") {
		return "", errors.New("identifier must not contain whitespace")
	}
	return id, nil
}
