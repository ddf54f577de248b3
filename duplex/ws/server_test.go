package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duplexrpc/duplexrpc/duplex"
	"github.com/duplexrpc/duplexrpc/duplex/ws"
	"github.com/duplexrpc/duplexrpc/duplex/ws/gorilla"
)

func serveTest(t *testing.T, opts ...ws.Option) *duplex.Session {
	t.Helper()
	srv := httptest.NewServer(ws.Handler(&gorilla.Upgrader{}, opts...))
	t.Cleanup(srv.Close)

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	sess := duplex.New(duplex.Config{
		Endpoint: endpoint,
		Dialer:   gorilla.Dial,
	})
	t.Cleanup(func() { sess.Close() })

	connected := sess.Once(duplex.EventConnect)
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-connected.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connect timed out")
	}
	return sess
}

func TestHandlerPing(t *testing.T) {
	sess := serveTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got string
	if err := sess.CallContext(ctx, &got, "ping", "hello"); err != nil {
		t.Fatal(err)
	}
	if want := "hello"; got != want {
		t.Errorf("got: %q; want %q", got, want)
	}
}

func TestHandlerSessionSetup(t *testing.T) {
	sess := serveTest(t, ws.WithSessionSetup(func(peer *duplex.Session) {
		peer.Handle("double", func(params json.RawMessage) (interface{}, error) {
			var n int
			if err := json.Unmarshal(params, &n); err != nil {
				return nil, err
			}
			return n * 2, nil
		})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got int
	if err := sess.CallContext(ctx, &got, "double", 21); err != nil {
		t.Fatal(err)
	}
	if want := 42; got != want {
		t.Errorf("got: %d; want %d", got, want)
	}
}

func TestHandlerConcurrentCalls(t *testing.T) {
	sess := serveTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			want := fmt.Sprintf("msg-%d", i)
			var got string
			if err := sess.CallContext(ctx, &got, "ping", want); err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("got %q; want %q", got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerDialFailure(t *testing.T) {
	sess := duplex.New(duplex.Config{
		Endpoint: "ws://127.0.0.1:1/nothing-listens-here",
		Dialer:   gorilla.Dial,
	})
	defer sess.Close()

	errored := sess.Once(duplex.EventError)
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-errored.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dial failure did not fire the error event")
	}
}
