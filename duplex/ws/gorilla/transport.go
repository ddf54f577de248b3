// WebSocket transport implementation using Gorilla's WebSocket library.
package gorilla

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/duplexrpc/duplexrpc/duplex"
)

var _ duplex.Dialer = Dial

// Dial returns a client-side transport for the endpoint. The connection is
// established in the background once the session starts the transport;
// readiness and failures surface through ev.
func Dial(endpoint string, ev duplex.Events) (duplex.Transport, error) {
	return &transport{
		endpoint: endpoint,
		ev:       ev,
		state:    duplex.StateConnecting,
	}, nil
}

// Upgrader upgrades HTTP requests to server-side transports.
type Upgrader struct {
	Upgrader websocket.Upgrader
}

// Upgrade performs the WebSocket handshake and returns an already-open
// transport for the accepted connection.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, ev duplex.Events) (duplex.Transport, error) {
	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &transport{
		ev:    ev,
		state: duplex.StateOpen,
		conn:  conn,
	}, nil
}

type transport struct {
	endpoint string
	ev       duplex.Events

	mu      sync.Mutex
	muWrite sync.Mutex
	state   duplex.State
	conn    *websocket.Conn
	closed  bool
}

func (t *transport) Start() {
	go t.run()
}

func (t *transport) run() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		dialed, _, err := websocket.DefaultDialer.Dial(t.endpoint, nil)
		if err != nil {
			t.mu.Lock()
			t.state = duplex.StateClosed
			t.mu.Unlock()
			t.ev.Errored(err)
			t.ev.Closed()
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			dialed.Close()
			t.ev.Closed()
			return
		}
		t.conn = dialed
		t.state = duplex.StateOpen
		t.mu.Unlock()
		conn = dialed
	}

	t.ev.Opened()
	t.readLoop(conn)
}

func (t *transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.state = duplex.StateClosed
			t.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.ev.Errored(err)
			}
			conn.Close()
			t.ev.Closed()
			return
		}
		t.ev.Received(string(data))
	}
}

func (t *transport) Send(text string) error {
	t.mu.Lock()
	if t.state != duplex.StateOpen || t.conn == nil {
		t.mu.Unlock()
		return errors.New("websocket is not open")
	}
	conn := t.conn
	t.mu.Unlock()

	t.muWrite.Lock()
	defer t.muWrite.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	if conn != nil && t.state == duplex.StateOpen {
		t.state = duplex.StateClosing
	}
	t.mu.Unlock()
	if conn == nil {
		// Still dialing; the dial goroutine notices closed and reports
		// Closed itself.
		return nil
	}
	// The read loop observes the closed connection and delivers Closed.
	return conn.Close()
}

func (t *transport) State() duplex.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
