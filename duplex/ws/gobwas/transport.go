// WebSocket transport implementation using the gobwas/ws library.
package gobwas

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duplexrpc/duplexrpc/duplex"
)

var _ duplex.Dialer = Dial

// Dial returns a client-side transport for the endpoint. The connection is
// established in the background once the session starts the transport.
func Dial(endpoint string, ev duplex.Events) (duplex.Transport, error) {
	return &transport{
		endpoint: endpoint,
		ev:       ev,
		side:     ws.StateClientSide,
		state:    duplex.StateConnecting,
	}, nil
}

// Upgrader upgrades HTTP requests to server-side transports.
type Upgrader struct {
	Upgrader ws.HTTPUpgrader
}

// Upgrade performs the WebSocket handshake and returns an already-open
// transport for the accepted connection.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request, ev duplex.Events) (duplex.Transport, error) {
	conn, _, _, err := u.Upgrader.Upgrade(r, w)
	if err != nil {
		return nil, err
	}
	return &transport{
		ev:    ev,
		side:  ws.StateServerSide,
		state: duplex.StateOpen,
		conn:  conn,
	}, nil
}

type transport struct {
	endpoint string
	ev       duplex.Events
	side     ws.State

	mu      sync.Mutex
	muWrite sync.Mutex
	state   duplex.State
	conn    net.Conn
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
		dialed, _, _, err := ws.Dial(context.Background(), t.endpoint)
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

func (t *transport) readLoop(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadData(conn, t.side)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.state = duplex.StateClosed
			t.mu.Unlock()
			if !closed && !isClosedError(err) {
				t.ev.Errored(err)
			}
			conn.Close()
			t.ev.Closed()
			return
		}
		if op != ws.OpText {
			continue
		}
		t.ev.Received(string(data))
	}
}

func isClosedError(err error) bool {
	var closed wsutil.ClosedError
	return errors.As(err, &closed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
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
	return wsutil.WriteMessage(conn, t.side, ws.OpText, []byte(text))
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
		return nil
	}
	return conn.Close()
}

func (t *transport) State() duplex.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
