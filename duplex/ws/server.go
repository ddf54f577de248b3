package ws

import (
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/duplexrpc/duplexrpc/duplex"
)

// Option adjusts the behavior of Handler.
type Option func(*options)

type options struct {
	limit rate.Limit
	burst int
	setup func(*duplex.Session)
	debug bool
}

// WithRateLimit drops inbound messages from a peer that exceed the given
// per-connection rate.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.limit = limit
		o.burst = burst
	}
}

// WithSessionSetup runs for every accepted connection before any frame is
// dispatched, typically to register routes on the peer session.
func WithSessionSetup(setup func(*duplex.Session)) Option {
	return func(o *options) {
		o.setup = setup
	}
}

// WithDebug enables frame tracing on accepted sessions.
func WithDebug() Option {
	return func(o *options) {
		o.debug = true
	}
}

// Handler upgrades each request and serves a bidirectional session over
// the accepted connection, using the even call-id space. It blocks until
// the connection closes; accepted sessions never reconnect.
func Handler(up Upgrader, opts ...Option) http.HandlerFunc {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		peer := uuid.New().String()

		var mu sync.Mutex
		consumed := false
		dial := func(endpoint string, ev duplex.Events) (duplex.Transport, error) {
			mu.Lock()
			defer mu.Unlock()
			if consumed {
				// An accepted connection cannot be redialed.
				return nil, errors.New("connection already consumed")
			}
			consumed = true
			if o.limit > 0 {
				ev = &limitedEvents{
					Events:  ev,
					limiter: rate.NewLimiter(o.limit, o.burst),
					peer:    peer,
				}
			}
			return up.Upgrade(w, r, ev)
		}

		sess := duplex.New(duplex.Config{
			Endpoint: r.RemoteAddr,
			Dialer:   dial,
			EvenIDs:  true,
			Debug:    o.debug,
		})
		if o.setup != nil {
			o.setup(sess)
		}

		done := sess.Once(duplex.EventClose)
		if err := sess.Connect(); err != nil {
			logger.Printf("upgrade failed from %s: %s", r.RemoteAddr, err)
			return
		}
		logger.Printf("peer %s connected from %s", peer, r.RemoteAddr)
		<-done.Done()
		sess.Close()
		logger.Printf("peer %s disconnected", peer)
	}
}

// limitedEvents drops inbound messages over the configured rate before
// they reach the dispatcher.
type limitedEvents struct {
	duplex.Events
	limiter *rate.Limiter
	peer    string
}

func (l *limitedEvents) Received(text string) {
	if !l.limiter.Allow() {
		logger.Printf("peer %s rate limited, dropping message", l.peer)
		return
	}
	l.Events.Received(text)
}
