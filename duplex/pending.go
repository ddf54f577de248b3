package duplex

import (
	"sync"
)

// queuedEnvelope is an encoded call awaiting an open transport.
type queuedEnvelope struct {
	id   int64
	text string
}

// pendingCalls tracks outstanding calls by id and holds the FIFO queue of
// envelopes issued while the transport was not yet open. At most one entry
// exists per id.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[int64]*Future
	queue []queuedEnvelope
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: map[int64]*Future{}}
}

// add stores the future for an issued call.
func (p *pendingCalls) add(id int64, f *Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id] = f
}

// enqueue appends an envelope to the outbound queue, preserving submission
// order.
func (p *pendingCalls) enqueue(id int64, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, queuedEnvelope{id: id, text: text})
}

// take removes and returns the future for a reply id.
func (p *pendingCalls) take(id int64) (*Future, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.calls[id]
	delete(p.calls, id)
	return f, ok
}

// flush drains the outbound queue in FIFO order through send. The queue is
// empty afterward; send failures are reported to the caller per envelope.
func (p *pendingCalls) flush(send func(text string) error) {
	p.mu.Lock()
	queue := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, env := range queue {
		if err := send(env.text); err != nil {
			logger.Printf("flush: send failed for call %d: %s", env.id, err)
		}
	}
}

// rejectAll rejects every still-pending future in the queue and the store
// with the given reason, then clears both. Safe to call repeatedly.
func (p *pendingCalls) rejectAll(reason error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = map[int64]*Future{}
	p.queue = nil
	p.mu.Unlock()

	for id, f := range calls {
		if !f.IsPending() {
			continue
		}
		if err := f.Reject(reason); err != nil {
			logger.Printf("rejectAll: call %d already settled", id)
		}
	}
}
