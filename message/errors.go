package message

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed completes every request still queued when the connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrTransportClosed is returned by a transport after an explicit Close.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrTimeout is returned when a caller gives up waiting for a response.
	ErrTimeout = errors.New("request timed out")
	// ErrRateLimited is returned when the outbound rate limit rejects a command.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// ProtocolError reports a value or command that cannot be expressed on the wire.
// It fails only the call that produced it.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "protocol: " + e.Msg }

// Protocolf builds a ProtocolError.
func Protocolf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// RemoteError is an exception raised on the far side. RefID names the live
// exception object so callers can issue follow-up calls, e.g. getMessage.
type RemoteError struct {
	RefID string
}

func (e *RemoteError) Error() string {
	return "remote exception (reference " + e.RefID + ")"
}

// Ref returns the exception object as a reference value.
func (e *RemoteError) Ref() Value { return Ref(e.RefID) }

// GatewayError is an error answer that carries a message instead of an
// exception reference.
type GatewayError struct {
	Msg string
}

func (e *GatewayError) Error() string { return e.Msg }

// TransportError reports a socket failure. Op is one of dial, write, read or close.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResolutionError reports a path that could not be resolved to a package,
// class, constructor or method.
type ResolutionError struct {
	Path   string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Path, e.Reason)
}
