package duplex

// State mirrors the readiness of the underlying transport.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Events receives transport lifecycle callbacks. A transport must deliver
// its events serially, and must not deliver any event before Start is
// called on it.
type Events interface {
	// Opened is delivered once the transport is ready to send.
	Opened()
	// Closed is delivered when the transport is gone, including after a
	// failed connection attempt.
	Closed()
	// Errored is delivered on a connection-level failure, usually
	// followed by Closed.
	Errored(err error)
	// Received is delivered for every inbound text message.
	Received(text string)
}

// Transport is a duplex, message-framed connection exchanging JSON text
// frames. Implementations connect in the background: construction returns
// immediately and readiness is signalled through Events.
type Transport interface {
	// Send transmits one text message.
	Send(text string) error
	// Close tears the connection down. Closed is still delivered.
	Close() error
	// State returns the live readiness of the connection.
	State() State
	// Start begins event delivery. The session calls it exactly once,
	// after the transport has been installed.
	Start()
}

// Dialer constructs a transport connected to the endpoint, delivering its
// lifecycle events to ev. Construction fails synchronously only for
// unusable endpoints; connection failures surface as Errored/Closed events.
type Dialer func(endpoint string, ev Events) (Transport, error)
