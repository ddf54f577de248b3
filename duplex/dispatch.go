package duplex

import (
	"encoding/json"
	"fmt"
	"sync"
)

// dispatch routes one inbound frame from the given connection generation.
// It classifies the frame once and never panics outward: undecodable input
// is answered with a best-effort failure reply.
func (s *Session) dispatch(gen int64, text string) {
	var f frame
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		logger.Printf("dispatch: malformed frame: %s", err)
		if err := s.send(gen, encodeMalformed(recoverID(text), err.Error())); err != nil {
			logger.Printf("dispatch: malformed-frame reply failed: %s", err)
		}
		return
	}

	switch f.kind() {
	case frameEvent:
		s.dispatchNotification(text)
	case frameCall:
		s.dispatchCall(gen, &f)
	case frameErrorAck:
		// An error value of explicit null is an acknowledgment without
		// payload; unlike a regular reply, an unmatched id is dropped
		// without comment back to the peer.
		id, ok := f.callID()
		if !ok {
			logger.Printf("dispatch: unparseable id in error acknowledgment: %s", f.ID)
			return
		}
		fut, ok := s.pending.take(id)
		if !ok {
			logger.Printf("dispatch: discarding error acknowledgment for unknown call %d", id)
			return
		}
		if err := fut.Reject(&CallError{}); err != nil {
			logger.Printf("dispatch: call %d already settled", id)
		}
	case frameError:
		s.settleReply(&f, func(fut *Future) error {
			return fut.Reject(&CallError{Data: f.Error})
		})
	case frameResult:
		s.settleReply(&f, func(fut *Future) error {
			return fut.Resolve(f.Result)
		})
	}
}

// settleReply matches a reply frame to its pending call and settles it. An
// unmatched id (late or duplicate reply) is logged and discarded.
func (s *Session) settleReply(f *frame, settle func(*Future) error) {
	id, ok := f.callID()
	if !ok {
		logger.Printf("dispatch: unparseable id in reply: %s", f.ID)
		return
	}
	fut, ok := s.pending.take(id)
	if !ok {
		logger.Printf("dispatch: discarding reply for unknown call %d", id)
		return
	}
	if err := settle(fut); err != nil {
		logger.Printf("dispatch: call %d already settled", id)
	}
}

// dispatchNotification delivers an unsolicited peer event to every
// registered notification listener in registration order, isolating panics
// per listener.
func (s *Session) dispatchNotification(text string) {
	s.msgMu.Lock()
	listeners := make([]messageListener, len(s.msgListeners))
	copy(listeners, s.msgListeners)
	s.msgMu.Unlock()

	for _, l := range listeners {
		callMessageListener(l, json.RawMessage(text))
	}
}

func callMessageListener(l messageListener, event json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("notification listener %d panic: %v", l.id, r)
		}
	}()
	l.fn(event)
}

// dispatchCall routes an inbound call. A missing route is reported back to
// the peer, never raised locally. Sync handlers reply as soon as they
// return; async handlers reply whenever their handle settles, gated on the
// connection generation.
func (s *Session) dispatchCall(gen int64, f *frame) {
	rt, ok := s.routes.lookup(f.Method)
	if !ok {
		s.replyError(gen, f.ID, fmt.Sprintf("route not found: %s", f.Method))
		return
	}
	if rt.async != nil {
		rt.async(f.Params, &Reply{s: s, gen: gen, id: f.ID})
		return
	}
	result, err := callSync(rt.sync, f.Params)
	if err != nil {
		logger.Printf("route %q failed: %s", f.Method, err)
		s.replyError(gen, f.ID, err.Error())
		return
	}
	s.replyResult(gen, f.ID, result)
}

func (s *Session) replyResult(gen int64, id json.RawMessage, result interface{}) {
	text, err := encodeResult(id, result)
	if err != nil {
		s.replyError(gen, id, fmt.Sprintf("failed to encode result: %s", err))
		return
	}
	if err := s.send(gen, text); err != nil {
		logger.Printf("reply for call %s failed: %s", id, err)
	}
}

func (s *Session) replyError(gen int64, id json.RawMessage, errValue interface{}) {
	text, err := encodeError(id, errValue)
	if err != nil {
		text, _ = encodeError(id, fmt.Sprintf("failed to encode error: %s", err))
	}
	if err := s.send(gen, text); err != nil {
		logger.Printf("error reply for call %s failed: %s", id, err)
	}
}

// Reply is the deferred-settlement handle passed to async handlers. It
// settles at most once; the reply frame is dropped instead of sent if the
// connection was superseded by a reconnect while the handler was pending.
type Reply struct {
	s   *Session
	gen int64
	id  json.RawMessage

	mu      sync.Mutex
	settled bool
}

// Resolve sends a success reply with the given result.
func (r *Reply) Resolve(result interface{}) error {
	if err := r.settle(); err != nil {
		return err
	}
	r.s.replyResult(r.gen, r.id, result)
	return nil
}

// Reject sends a failure reply with the given error value.
func (r *Reply) Reject(errValue interface{}) error {
	if err := r.settle(); err != nil {
		return err
	}
	r.s.replyError(r.gen, r.id, errValue)
	return nil
}

func (r *Reply) settle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return ErrSettled
	}
	r.settled = true
	return nil
}
