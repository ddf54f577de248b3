package ws

import (
	"net/http"

	"github.com/duplexrpc/duplexrpc/duplex"
)

// Upgrader takes an HTTP request, upgrades it to a WebSocket connection
// and returns a transport for it. This allows switching between different
// WebSocket implementations.
type Upgrader interface {
	Upgrade(http.ResponseWriter, *http.Request, duplex.Events) (duplex.Transport, error)
}
