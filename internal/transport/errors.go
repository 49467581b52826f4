package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected is returned when Connect is called on a transport
	// whose tuple is already established. Connect is one-shot: repeat calls
	// are rejected and leave the original tuple untouched.
	ErrAlreadyConnected = errors.New("connect already called")
	ErrClosed           = errors.New("transport closed")
)

// ConfigError reports malformed construction-time options. The transport is
// never created when one is returned.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "pipe transport config: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports a malformed connect-request field. The transport
// stays unconnected and a later Connect with valid parameters still succeeds.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("connect request: invalid %s (%s)", e.Field, e.Reason)
}

// CryptoSessionError reports that building one of the paired SRTP sessions
// failed during connect. Both sessions are discarded and the transport stays
// unconnected.
type CryptoSessionError struct {
	Direction string
	Err       error
}

func (e *CryptoSessionError) Error() string {
	return fmt.Sprintf("error creating SRTP %s session: %v", e.Direction, e.Err)
}

func (e *CryptoSessionError) Unwrap() error { return e.Err }
