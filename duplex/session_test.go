package duplex_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duplexrpc/duplexrpc/duplex"
	"github.com/duplexrpc/duplexrpc/internal/fakesocket"
)

type sentFrame struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func decodeSent(t *testing.T, text string) sentFrame {
	t.Helper()
	var f sentFrame
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		t.Fatalf("decode sent frame %q: %s", text, err)
	}
	return f
}

// connectOpen returns a session connected over a manually driven socket.
func connectOpen(t *testing.T) (*duplex.Session, *fakesocket.Socket) {
	t.Helper()
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	return sess, sock
}

func TestCallIDsStepByTwo(t *testing.T) {
	sess, sock := connectOpen(t)
	sess.Call("a", nil)
	sess.Call("b", nil)
	sess.Call("c", nil)

	sent := sock.Sent()
	if len(sent) != 3 {
		t.Fatalf("got %d frames; want 3", len(sent))
	}
	for i, want := range []int64{1, 3, 5} {
		if got := decodeSent(t, sent[i]).ID; got != want {
			t.Errorf("frame %d: got id %d; want %d", i, got, want)
		}
	}
}

func TestEvenIDSpace(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer(), EvenIDs: true})
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()

	sess.Call("a", nil)
	sess.Call("b", nil)
	sent := sock.Sent()
	for i, want := range []int64{2, 4} {
		if got := decodeSent(t, sent[i]).ID; got != want {
			t.Errorf("frame %d: got id %d; want %d", i, got, want)
		}
	}
}

func TestNoWaitRejectsWhileClosed(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})
	// Never connected: state is CLOSED.
	if got, want := sess.State(), duplex.StateClosed; got != want {
		t.Fatalf("got state %s; want %s", got, want)
	}

	f := sess.Call("doStuff", nil, duplex.NoWait())
	if f.IsPending() {
		t.Fatal("no-wait call should reject synchronously")
	}
	var stateErr duplex.SocketStateError
	if !errors.As(f.Err(), &stateErr) {
		t.Fatalf("got %v; want SocketStateError", f.Err())
	}
	if want := "socket is CLOSED"; f.Err().Error() != want {
		t.Errorf("got %q; want %q", f.Err().Error(), want)
	}
	if len(sock.Sent()) != 0 {
		t.Error("no-wait call must not reach the transport")
	}
}

func TestCallsQueuedWhileConnecting(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	if got, want := sess.State(), duplex.StateConnecting; got != want {
		t.Fatalf("got state %s; want %s", got, want)
	}

	sess.Call("first", nil)
	sess.Call("second", nil)
	if len(sock.Sent()) != 0 {
		t.Fatal("calls must not be transmitted before the transport opens")
	}

	sock.Open()
	sent := sock.Sent()
	if len(sent) != 2 {
		t.Fatalf("got %d frames after flush; want 2", len(sent))
	}
	if got := decodeSent(t, sent[0]).Method; got != "first" {
		t.Errorf("flush order: got %q first", got)
	}
	if got := decodeSent(t, sent[1]).Method; got != "second" {
		t.Errorf("flush order: got %q second", got)
	}
}

func TestCallsQueuedBeforeFirstConnect(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})

	// Issued while CLOSED without NoWait: held for the first connection.
	f := sess.Call("early", nil)
	if !f.IsPending() {
		t.Fatal("queued call should stay pending")
	}

	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	sent := sock.Sent()
	if len(sent) != 1 || decodeSent(t, sent[0]).Method != "early" {
		t.Fatalf("queued call not transmitted on open: %q", sent)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	sess, sock := connectOpen(t)
	f1 := sess.Call("a", nil)
	f2 := sess.Call("b", nil)

	sock.Drop()
	for i, f := range []*duplex.Future{f1, f2} {
		if f.IsPending() {
			t.Fatalf("call %d still pending after close", i)
		}
		if !errors.Is(f.Err(), duplex.ErrConnectionClosed) {
			t.Errorf("call %d: got %v; want ErrConnectionClosed", i, f.Err())
		}
	}
	if got, want := sess.State(), duplex.StateClosed; got != want {
		t.Errorf("got state %s; want %s", got, want)
	}
}

func TestErrorRejectsPending(t *testing.T) {
	sess, sock := connectOpen(t)
	f := sess.Call("a", nil)

	sock.Fail(errors.New("broken pipe"))
	if !errors.Is(f.Err(), duplex.ErrSocketError) {
		t.Errorf("got %v; want ErrSocketError", f.Err())
	}
}

func TestLifecycleEventsFireWithChange(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})

	var mu sync.Mutex
	var fired []duplex.Event
	record := func(ev duplex.Event) func(interface{}) {
		return func(payload interface{}) {
			mu.Lock()
			fired = append(fired, ev)
			mu.Unlock()
		}
	}
	sess.On(duplex.EventConnect, record(duplex.EventConnect))
	sess.On(duplex.EventClose, record(duplex.EventClose))
	sess.On(duplex.EventChange, record(duplex.EventChange))

	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	sess.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []duplex.Event{
		duplex.EventConnect, duplex.EventChange,
		duplex.EventClose, duplex.EventChange,
	}
	if len(fired) != len(want) {
		t.Fatalf("got events %v; want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("got events %v; want %v", fired, want)
		}
	}
}

func TestOnceConnectSettlesOnce(t *testing.T) {
	sock := fakesocket.New()
	sess := duplex.New(duplex.Config{Dialer: sock.Dialer()})
	f := sess.Once(duplex.EventConnect)

	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	if f.IsPending() {
		t.Fatal("one-shot should settle on connect")
	}

	// A second firing must not touch the consumed future.
	sock.Open()
	if err := f.Err(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReconnectAfterClose(t *testing.T) {
	var mu sync.Mutex
	var socks []*fakesocket.Socket
	dialer := func(endpoint string, ev duplex.Events) (duplex.Transport, error) {
		s := fakesocket.New()
		tr, err := s.Dialer()(endpoint, ev)
		mu.Lock()
		socks = append(socks, s)
		mu.Unlock()
		return tr, err
	}

	sess := duplex.New(duplex.Config{
		Dialer:           dialer,
		ReconnectTimeout: 10 * time.Millisecond,
	})
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	first := socks[0]
	mu.Unlock()
	first.Open()

	f1 := sess.Call("a", nil)
	f2 := sess.Call("b", nil)
	first.Drop()

	if !errors.Is(f1.Err(), duplex.ErrConnectionClosed) || !errors.Is(f2.Err(), duplex.ErrConnectionClosed) {
		t.Fatal("pending calls must reject on close")
	}

	// A reconnect attempt constructs a fresh transport after the fixed
	// delay.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(socks)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reconnect attempt observed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	second := socks[1]
	mu.Unlock()
	second.Open()
	if got, want := sess.State(), duplex.StateOpen; got != want {
		t.Fatalf("got state %s; want %s", got, want)
	}

	// Ids keep increasing across connections, never reused.
	sess.Call("c", nil)
	sent := second.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d frames; want 1", len(sent))
	}
	if got := decodeSent(t, sent[0]).ID; got != 5 {
		t.Errorf("got id %d; want 5", got)
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	sock := fakesocket.New()
	dialer := func(endpoint string, ev duplex.Events) (duplex.Transport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return sock.Dialer()(endpoint, ev)
	}

	sess := duplex.New(duplex.Config{
		Dialer:           dialer,
		ReconnectTimeout: 10 * time.Millisecond,
	})
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	sess.Close()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("destroyed session redialed: %d dials", dials)
	}
}

func TestFailedReconnectFiresErrorOnce(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	sock := fakesocket.New()
	dialer := func(endpoint string, ev duplex.Events) (duplex.Transport, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n > 1 {
			return nil, errors.New("dial refused")
		}
		return sock.Dialer()(endpoint, ev)
	}

	sess := duplex.New(duplex.Config{
		Dialer:           dialer,
		ReconnectTimeout: 10 * time.Millisecond,
	})
	errored := sess.Once(duplex.EventError)
	if err := sess.Connect(); err != nil {
		t.Fatal(err)
	}
	sock.Open()
	sock.Drop()

	select {
	case <-errored.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("failed reconnect did not fire the error event")
	}

	// A failed attempt does not retry on its own.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Errorf("got %d dials; want 2", dials)
	}
	if got, want := sess.State(), duplex.StateClosed; got != want {
		t.Errorf("got state %s; want %s", got, want)
	}
}

func TestConnectTwice(t *testing.T) {
	sess, _ := connectOpen(t)
	if err := sess.Connect(); err != duplex.ErrAlreadyConnected {
		t.Errorf("got %v; want ErrAlreadyConnected", err)
	}
}

func TestStateCode(t *testing.T) {
	sess, sock := connectOpen(t)
	if got, want := sess.StateCode(), 1; got != want {
		t.Errorf("got %d; want %d", got, want)
	}
	sock.Drop()
	if got, want := sess.StateCode(), 3; got != want {
		t.Errorf("got %d; want %d", got, want)
	}
}
