// Package fakesocket provides a scriptable in-memory duplex.Transport for
// tests and in-process loopback connections.
package fakesocket

import (
	"errors"
	"sync"

	"github.com/duplexrpc/duplexrpc/duplex"
)

// ErrNotOpen is returned by Send when the socket is not open.
var ErrNotOpen = errors.New("fakesocket: not open")

// Socket is an in-memory transport. A standalone socket starts CONNECTING
// and is driven manually with Open, Fail and Drop; a socket from Pipe
// opens itself on Start and delivers sends to its peer.
type Socket struct {
	mu       sync.Mutex
	state    duplex.State
	ev       duplex.Events
	peer     *Socket
	sent     []string
	autoOpen bool
}

// New returns an unlinked socket driven manually by the test.
func New() *Socket {
	return &Socket{state: duplex.StateConnecting}
}

// Pipe returns two linked sockets. Each side opens on Start and delivers
// everything it sends to the other side, synchronously.
func Pipe() (*Socket, *Socket) {
	a := &Socket{state: duplex.StateConnecting, autoOpen: true}
	b := &Socket{state: duplex.StateConnecting, autoOpen: true}
	a.peer = b
	b.peer = a
	return a, b
}

// Dialer returns a duplex.Dialer that hands out this socket, rebinding its
// event sink on every dial.
func (s *Socket) Dialer() duplex.Dialer {
	return func(endpoint string, ev duplex.Events) (duplex.Transport, error) {
		s.mu.Lock()
		s.ev = ev
		s.state = duplex.StateConnecting
		s.mu.Unlock()
		return s, nil
	}
}

func (s *Socket) Start() {
	s.mu.Lock()
	auto := s.autoOpen
	s.mu.Unlock()
	if auto {
		s.Open()
	}
}

// Open marks the socket open and delivers the Opened event.
func (s *Socket) Open() {
	s.mu.Lock()
	s.state = duplex.StateOpen
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.Opened()
	}
}

// Fail delivers the Errored event without changing the socket state.
func (s *Socket) Fail(err error) {
	s.mu.Lock()
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.Errored(err)
	}
}

// Drop marks the socket closed and delivers the Closed event, as if the
// remote side hung up.
func (s *Socket) Drop() {
	s.mu.Lock()
	if s.state == duplex.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = duplex.StateClosed
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.Closed()
	}
}

// Deliver injects an inbound message.
func (s *Socket) Deliver(text string) {
	s.mu.Lock()
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.Received(text)
	}
}

func (s *Socket) Send(text string) error {
	s.mu.Lock()
	if s.state != duplex.StateOpen {
		s.mu.Unlock()
		return ErrNotOpen
	}
	s.sent = append(s.sent, text)
	peer := s.peer
	s.mu.Unlock()
	if peer != nil {
		peer.Deliver(text)
	}
	return nil
}

func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == duplex.StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = duplex.StateClosed
	ev := s.ev
	peer := s.peer
	s.mu.Unlock()
	if ev != nil {
		ev.Closed()
	}
	if peer != nil {
		peer.Drop()
	}
	return nil
}

func (s *Socket) State() duplex.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sent returns a copy of everything sent through the socket, in order.
func (s *Socket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}
