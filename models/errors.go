package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a send is attempted without a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrValidation marks input rejected before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrDuplicateMessage is absorbed by callers; it signals an id already applied.
	ErrDuplicateMessage = errors.New("duplicate message")
	// ErrConnectFailed is the terminal result after reconnect attempts run out.
	ErrConnectFailed = errors.New("failed to connect")
	// ErrEmailRequired asks an anonymous visitor for an email before delivery.
	ErrEmailRequired = errors.New("email required")
	// ErrUnknownConversation is returned for identifiers without any message.
	ErrUnknownConversation = errors.New("unknown conversation")
	// ErrRateLimited is returned when a connection sends faster than allowed.
	ErrRateLimited = errors.New("rate limited")
)

// ConnectionError reports a transport that was unreachable or dropped.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnectFailed) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnectFailed }
