package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-realtime/internal/protocol"
)

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return websocket.TextMessage, b, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// scriptedDialer fails while failures > 0, otherwise hands out conns.
type scriptedDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	conns    chan *fakeConn
}

func (s *scriptedDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	s.mu.Lock()
	s.dials++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.mu.Unlock()
	c := newFakeConn()
	select {
	case s.conns <- c:
	default:
	}
	return c, nil
}

func (s *scriptedDialer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *scriptedDialer) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newClient(d Dialer, max int) *Client {
	return New("ws://gateway/ws", Options{
		ReconnectInterval:    2 * time.Millisecond,
		MaxReconnectAttempts: max,
		Dialer:               d,
		Logger:               quiet(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReconnectStopsAfterCap(t *testing.T) {
	d := &scriptedDialer{failures: 100, conns: make(chan *fakeConn, 1)}
	c := newClient(d, 3)
	c.Connect()
	c.Wait()
	if d.count() != 3 {
		t.Fatalf("expected exactly 3 dials, got %d", d.count())
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s", c.State())
	}
	time.Sleep(20 * time.Millisecond)
	if d.count() != 3 {
		t.Fatalf("dialed again after giving up: %d", d.count())
	}

	c.Connect()
	c.Wait()
	if d.count() != 6 {
		t.Fatalf("explicit connect should start a fresh cycle, dials = %d", d.count())
	}
}

func TestAttemptCounterResetsOnSuccess(t *testing.T) {
	d := &scriptedDialer{failures: 2, conns: make(chan *fakeConn, 1)}
	c := newClient(d, 3)
	c.Connect()
	conn := <-d.conns
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	if c.Attempts() != 0 {
		t.Fatalf("attempts = %d after success", c.Attempts())
	}

	// two earlier failures must not count towards the next cycle
	d.fail(100)
	_ = conn.Close()
	c.Wait()
	if got := d.count(); got != 2+1+3 {
		t.Fatalf("dials = %d, want 6", got)
	}
}

func TestSendOnlyWhileConnected(t *testing.T) {
	d := &scriptedDialer{conns: make(chan *fakeConn, 1)}
	c := newClient(d, 3)
	if c.Send(protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: "x"}) {
		t.Fatalf("send while idle should be dropped")
	}
	c.Connect()
	conn := <-d.conns
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	if !c.Send(protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: "x"}) {
		t.Fatalf("send while connected failed")
	}
	conn.mu.Lock()
	n := len(conn.written)
	conn.mu.Unlock()
	if n != 1 {
		t.Fatalf("written frames = %d", n)
	}

	c.Disconnect()
	if c.State() != StateIdle {
		t.Fatalf("state after disconnect = %s", c.State())
	}
	if c.Send(protocol.TypeSubscribeTrip, nil) {
		t.Fatalf("send after disconnect should be dropped")
	}
	conn.mu.Lock()
	n = len(conn.written)
	conn.mu.Unlock()
	if n != 1 {
		t.Fatalf("dropped send must not be queued, written = %d", n)
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	d := &scriptedDialer{failures: 100, conns: make(chan *fakeConn, 1)}
	c := New("ws://gateway/ws", Options{ReconnectInterval: time.Hour, MaxReconnectAttempts: 5, Dialer: d, Logger: quiet()})
	c.Connect()
	waitFor(t, "backoff", func() bool { return c.State() == StateBackoff })
	c.Disconnect()
	if d.count() != 1 || c.State() != StateIdle {
		t.Fatalf("dials=%d state=%s", d.count(), c.State())
	}
}

func TestSubscribeDispatchesToEveryHandler(t *testing.T) {
	d := &scriptedDialer{conns: make(chan *fakeConn, 1)}
	c := newClient(d, 3)
	var a, b atomic.Int32
	unsubA := c.Subscribe(protocol.TypeTripUpdate, func(json.RawMessage) { a.Add(1) })
	c.Subscribe(protocol.TypeTripUpdate, func(json.RawMessage) { b.Add(1) })
	c.Subscribe(protocol.TypeSeatUpdate, func(json.RawMessage) { t.Errorf("wrong type dispatched") })

	c.Connect()
	defer c.Disconnect()
	conn := <-d.conns
	frame, _ := protocol.Encode(protocol.TypeTripUpdate, protocol.TripUpdate{TripID: "t"})
	conn.in <- frame
	waitFor(t, "both handlers", func() bool { return a.Load() == 1 && b.Load() == 1 })

	unsubA()
	unsubA()
	conn.in <- frame
	waitFor(t, "remaining handler", func() bool { return b.Load() == 2 })
	if a.Load() != 1 {
		t.Fatalf("unsubscribed handler still called")
	}
}

func TestSharedIsPerURL(t *testing.T) {
	a := Shared("ws://one/ws", Options{Logger: quiet()})
	if Shared("ws://one/ws", Options{}) != a {
		t.Fatalf("expected same client for same url")
	}
	if Shared("ws://two/ws", Options{Logger: quiet()}) == a {
		t.Fatalf("expected distinct client for another url")
	}
}

func TestGorillaDialerAgainstServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, _ := protocol.Decode(msg)
		reply, _ := protocol.Encode(protocol.TypeSuccess, protocol.Success{Status: env.Type})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := New("ws"+strings.TrimPrefix(srv.URL, "http"), Options{Logger: quiet(), MaxReconnectAttempts: 1})
	got := make(chan string, 1)
	c.Subscribe(protocol.TypeSuccess, func(p json.RawMessage) {
		var s protocol.Success
		_ = json.Unmarshal(p, &s)
		got <- s.Status
	})
	c.Connect()
	defer c.Disconnect()
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
	c.Send(protocol.TypeUnsubscribeTrip, protocol.UnsubscribeTrip{TripID: "t"})
	select {
	case s := <-got:
		if s != protocol.TypeUnsubscribeTrip {
			t.Fatalf("echoed %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply")
	}
}
