package duplex

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplexrpc/duplexrpc/internal/pretty"
)

// DefaultReconnectTimeout is the fixed delay before a reconnection attempt
// is made after the transport closes.
const DefaultReconnectTimeout = 1000 * time.Millisecond

// Config holds the session configuration. The zero value needs at least a
// Dialer (and usually an Endpoint) before Connect is useful.
type Config struct {
	// Endpoint is the transport URL passed to the Dialer.
	Endpoint string

	// Dialer constructs the transport. Required for Connect.
	Dialer Dialer

	// ReconnectTimeout is the fixed delay before reconnecting after a
	// close. Defaults to DefaultReconnectTimeout. The delay is fixed,
	// not exponential.
	ReconnectTimeout time.Duration

	// EvenIDs selects the even call-id space (2, 4, 6, ...). The side
	// that accepted the connection uses it, so that calls initiated
	// simultaneously by both peers never collide. Defaults to the odd
	// space (1, 3, 5, ...).
	EvenIDs bool

	// Debug logs every frame sent and received through the package
	// logger. Purely diagnostic.
	Debug bool
}

// Service is the calling side of a session: issue a named call and decode
// its result. Higher layers can proxy typed calls through it without
// knowing about connection management.
type Service interface {
	CallContext(ctx context.Context, result interface{}, method string, params interface{}) error
}

var _ Service = &Session{}

// Session is a bidirectional RPC endpoint over one persistent transport.
// It owns the route table, the lifecycle event registry, the pending-call
// store, and the connection state machine, so multiple independent
// sessions can coexist in one process.
type Session struct {
	cfg Config

	routes  *routeTable
	events  *eventRegistry
	pending *pendingCalls

	// lastID is stepped by 2 per call, never reused in-process.
	lastID int64

	mu             sync.Mutex
	transport      Transport
	generation     int64
	reconnectTimer *time.Timer
	destroyed      bool

	msgMu        sync.Mutex
	msgSeq       int
	msgListeners []messageListener
}

type messageListener struct {
	id int
	fn func(event json.RawMessage)
}

// New returns a session for the given configuration. The session is
// CLOSED until Connect is called; calls issued before that are queued for
// the first successful connection.
func New(cfg Config) *Session {
	if cfg.ReconnectTimeout == 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	s := &Session{
		cfg:     cfg,
		routes:  newRouteTable(),
		events:  newEventRegistry(),
		pending: newPendingCalls(),
	}
	if cfg.EvenIDs {
		s.lastID = 0 // first id 2
	} else {
		s.lastID = -1 // first id 1
	}
	return s
}

// nextID allocates a call id. Ids step by 2 within the parity space chosen
// at construction and strictly increase for the life of the session.
func (s *Session) nextID() int64 {
	return atomic.AddInt64(&s.lastID, 2)
}

// State returns the live readiness of the session, CLOSED when no
// transport is installed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	if s.transport == nil {
		return StateClosed
	}
	return s.transport.State()
}

// StateCode returns the readiness as its numeric code.
func (s *Session) StateCode() int {
	return int(s.State())
}

// Connect dials the transport. It returns an error if a transport is
// already installed or the dialer rejects the endpoint; connection
// failures after that surface as error/close events.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.cfg.Dialer == nil {
		s.mu.Unlock()
		return ErrNoDialer
	}
	if s.transport != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.destroyed = false
	s.generation++
	hooks := transportHooks{s: s, gen: s.generation}
	s.mu.Unlock()

	return s.dial(hooks)
}

// dial constructs and installs a transport for the given generation.
func (s *Session) dial(hooks transportHooks) error {
	t, err := s.cfg.Dialer(s.cfg.Endpoint, hooks)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.destroyed || s.generation != hooks.gen {
		s.mu.Unlock()
		t.Close()
		return ErrConnectionClosed
	}
	s.transport = t
	s.mu.Unlock()
	t.Start()
	return nil
}

// Close destroys the session: the transport is closed, the reconnect timer
// is cancelled and no further reconnects are attempted. The session can be
// revived with Connect.
func (s *Session) Close() error {
	s.mu.Lock()
	s.destroyed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// CallOption adjusts how a single call is issued.
type CallOption func(*callOptions)

type callOptions struct {
	noWait bool
}

// NoWait rejects the call immediately if the socket is closing or closed,
// instead of queueing it for the next connection.
func NoWait() CallOption {
	return func(o *callOptions) {
		o.noWait = true
	}
}

// Call issues a named call to the remote peer. It never blocks: the
// returned future settles with the raw JSON result, or rejects with the
// peer-reported error or the connection failure reason. While the
// transport is connecting (or down, without NoWait) the envelope is queued
// and transmitted in submission order once the transport opens.
func (s *Session) Call(method string, params interface{}, opts ...CallOption) *Future {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	f := NewFuture()
	id := s.nextID()
	text, err := encodeCall(id, method, params)
	if err != nil {
		f.Reject(err)
		return f
	}

	s.mu.Lock()
	state := s.stateLocked()
	switch state {
	case StateOpen:
		t := s.transport
		s.pending.add(id, f)
		s.mu.Unlock()
		if err := s.transmit(t, text); err != nil {
			if fut, ok := s.pending.take(id); ok {
				fut.Reject(err)
			}
		}
	case StateConnecting:
		s.pending.add(id, f)
		s.pending.enqueue(id, text)
		s.mu.Unlock()
	default: // CLOSING, CLOSED
		if o.noWait {
			s.mu.Unlock()
			f.Reject(SocketStateError{State: state})
			return f
		}
		s.pending.add(id, f)
		s.pending.enqueue(id, text)
		s.mu.Unlock()
	}
	return f
}

// CallContext issues a call and blocks until it settles or the context is
// cancelled, decoding the result into result (which may be nil to discard
// it).
func (s *Session) CallContext(ctx context.Context, result interface{}, method string, params interface{}) error {
	v, err := s.Call(method, params).Wait(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok || len(raw) == 0 || isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// Handle registers a synchronous route, overwriting any previous handler
// under the same name.
func (s *Session) Handle(name string, h Handler) {
	s.routes.add(name, route{sync: h})
}

// HandleAsync registers a deferred route: the handler settles its Reply
// explicitly, possibly long after returning.
func (s *Session) HandleAsync(name string, h AsyncHandler) {
	s.routes.add(name, route{async: h})
}

// RemoveRoute deletes a route, reporting whether it existed.
func (s *Session) RemoveRoute(name string) bool {
	return s.routes.remove(name)
}

// On registers a durable lifecycle event listener, returning its removal
// id.
func (s *Session) On(ev Event, fn func(payload interface{})) int {
	return s.events.on(ev, fn)
}

// Off removes a durable listener, reporting whether it existed.
func (s *Session) Off(ev Event, id int) bool {
	return s.events.off(ev, id)
}

// Once returns a future that resolves on the next firing of the event.
func (s *Session) Once(ev Event) *Future {
	return s.events.once(ev)
}

// OnMessage registers a listener for unsolicited peer notifications
// (inbound frames without an id), returning its removal id. Listeners run
// in registration order for every notification.
func (s *Session) OnMessage(fn func(event json.RawMessage)) int {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	s.msgSeq++
	s.msgListeners = append(s.msgListeners, messageListener{id: s.msgSeq, fn: fn})
	return s.msgSeq
}

// RemoveOnMessage removes a notification listener by id.
func (s *Session) RemoveOnMessage(id int) bool {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	for i, l := range s.msgListeners {
		if l.id == id {
			s.msgListeners = append(s.msgListeners[:i:i], s.msgListeners[i+1:]...)
			return true
		}
	}
	return false
}

// fireEvent fires the named event, then EventChange with the same payload.
func (s *Session) fireEvent(ev Event, payload interface{}) {
	s.events.fire(ev, payload)
	s.events.fire(EventChange, payload)
}

// transmit sends one frame on the given transport.
func (s *Session) transmit(t Transport, text string) error {
	if s.cfg.Debug {
		logger.Printf("-> %s", pretty.Abbrev(text))
	}
	return t.Send(text)
}

// send transmits on the current transport, dropping the frame if the
// generation has moved past gen (a reconnect happened since the frame was
// prepared).
func (s *Session) send(gen int64, text string) error {
	s.mu.Lock()
	if s.generation != gen || s.transport == nil {
		s.mu.Unlock()
		logger.Printf("dropping frame from superseded connection (generation %d)", gen)
		return nil
	}
	t := s.transport
	s.mu.Unlock()
	return s.transmit(t, text)
}

// transportHooks delivers one transport generation's events to the
// session. Events from a superseded generation are ignored.
type transportHooks struct {
	s   *Session
	gen int64
}

func (h transportHooks) current() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.generation == h.gen
}

func (h transportHooks) Opened() {
	s := h.s
	s.mu.Lock()
	if s.generation != h.gen || s.transport == nil {
		s.mu.Unlock()
		return
	}
	t := s.transport
	s.mu.Unlock()

	s.pending.flush(func(text string) error {
		return s.transmit(t, text)
	})
	s.fireEvent(EventConnect, nil)
}

func (h transportHooks) Errored(err error) {
	s := h.s
	if !h.current() {
		return
	}
	logger.Printf("transport error: %s", err)
	s.pending.rejectAll(ErrSocketError)
	s.fireEvent(EventError, err)
}

func (h transportHooks) Closed() {
	s := h.s
	s.mu.Lock()
	if s.generation != h.gen {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	s.mu.Unlock()

	s.pending.rejectAll(ErrConnectionClosed)
	s.fireEvent(EventClose, nil)

	s.mu.Lock()
	if !s.destroyed && s.generation == h.gen && s.reconnectTimer == nil {
		s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectTimeout, s.reconnect)
	}
	s.mu.Unlock()
}

func (h transportHooks) Received(text string) {
	s := h.s
	if !h.current() {
		return
	}
	if s.cfg.Debug {
		logger.Printf("<- %s", pretty.Abbrev(text))
	}
	s.dispatch(h.gen, text)
}

// reconnect runs once per scheduled timer. A failed attempt fires the
// error event and leaves no transport installed; the next attempt only
// comes from the close of a future established transport.
func (s *Session) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	if s.destroyed || s.transport != nil {
		s.mu.Unlock()
		return
	}
	s.generation++
	hooks := transportHooks{s: s, gen: s.generation}
	s.mu.Unlock()

	if err := s.dial(hooks); err != nil {
		logger.Printf("reconnect failed: %s", err)
		s.fireEvent(EventError, err)
	}
}
