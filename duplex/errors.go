package duplex

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSettled is returned when a Future is resolved or rejected more than
// once. A second settlement always indicates a correlation bug, so callers
// should treat it as fatal rather than ignore it.
var ErrSettled = errors.New("future already settled")

// ErrAlreadyConnected is returned on Connect() if the session already has a
// transport installed.
var ErrAlreadyConnected = errors.New("session already connected")

// ErrNoDialer is returned on Connect() if the session has no dialer
// configured.
var ErrNoDialer = errors.New("session has no dialer configured")

// ErrConnectionClosed is the rejection reason for calls still pending when
// the transport closes.
var ErrConnectionClosed = errors.New("Connection closed")

// ErrSocketError is the rejection reason for calls still pending when the
// transport reports a failure.
var ErrSocketError = errors.New("WebSocket error occurred")

// SocketStateError is the synchronous rejection reason for a no-wait call
// issued while the socket is closing or closed.
type SocketStateError struct {
	State State
}

func (err SocketStateError) Error() string {
	return fmt.Sprintf("socket is %s", err.State)
}

// CallError carries the opaque error payload reported by the remote peer in
// a failure reply. Data is nil for an error acknowledgment that carried an
// explicitly null error value.
type CallError struct {
	Data json.RawMessage
}

func (err *CallError) Error() string {
	if len(err.Data) == 0 {
		return "remote error"
	}
	return fmt.Sprintf("remote error: %s", err.Data)
}
