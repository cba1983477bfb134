package rcon

import (
	"errors"
	"fmt"
)

var (
	// ErrPlayerNotOnline means safe-command resolution could not find the
	// character in the live player list after retries.
	ErrPlayerNotOnline = errors.New("player not online")

	// ErrSanitizationRejected means a rendered command contained banned
	// characters. This is an internal bug, never user input working as
	// intended, so callers log it loudly.
	ErrSanitizationRejected = errors.New("command rejected by sanitizer")

	// ErrAuthFailed means the server rejected the RCON password.
	ErrAuthFailed = errors.New("rcon authentication failed")
)

// TransportError wraps a connection, auth, or timeout failure after the
// RCON layer has exhausted its own retries. Callers above the pool treat
// it as a distinct variant (the marketplace compensates on it).
type TransportError struct {
	Server string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rcon %s %s: %v", e.Server, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
