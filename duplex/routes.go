package duplex

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is a synchronous route: it returns a result or an error and the
// reply is sent as soon as it returns.
type Handler func(params json.RawMessage) (interface{}, error)

// AsyncHandler is a deferred route: it receives a Reply handle and may
// settle it from any goroutine, at any later time. The reply frame is sent
// when the handle is settled, unless the connection has been superseded by
// a reconnect in the meantime.
type AsyncHandler func(params json.RawMessage, reply *Reply)

// route is a tagged union: exactly one of sync or async is set.
type route struct {
	sync  Handler
	async AsyncHandler
}

type routeTable struct {
	mu     sync.RWMutex
	routes map[string]route
}

func newRouteTable() *routeTable {
	rt := &routeTable{routes: map[string]route{}}
	rt.add("log", route{sync: builtinLog})
	rt.add("ping", route{sync: builtinPing})
	return rt
}

// add registers a route. Last write wins.
func (rt *routeTable) add(name string, r route) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes[name] = r
}

// remove deletes a route and reports whether it existed.
func (rt *routeTable) remove(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.routes[name]
	delete(rt.routes, name)
	return ok
}

func (rt *routeTable) lookup(name string) (route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.routes[name]
	return r, ok
}

// builtinLog writes its params to the package logger. The result is
// ignored by callers.
func builtinLog(params json.RawMessage) (interface{}, error) {
	logger.Printf("log: %s", params)
	return nil, nil
}

// builtinPing echoes its argument, used for liveness probing.
func builtinPing(params json.RawMessage) (interface{}, error) {
	return params, nil
}

// callSync invokes a synchronous handler, converting a panic into a
// handler error so a reply is always produced.
func callSync(h Handler, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(params)
}
