// Package wsclient keeps one logical websocket connection to the gateway
// alive and exposes a typed publish/subscribe facade over it.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-realtime/internal/protocol"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	}
	return "unknown"
}

// Conn is the part of a websocket connection the client drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (g GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d := g.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, _, err := d.DialContext(ctx, url, g.Header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler receives the raw payload of every message of the type it was
// registered for.
type Handler func(payload json.RawMessage)

type Options struct {
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
	Logger               *slog.Logger
	OnStateChange        func(State)
}

type Client struct {
	url  string
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[string]map[uint64]Handler
	nextID   uint64

	writeMu sync.Mutex
}

func New(url string, opts Options) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 3 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		url:      url,
		opts:     opts,
		log:      opts.Logger.With("component", "wsclient", "url", url),
		handlers: make(map[string]map[uint64]Handler),
	}
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Client{}
)

// Shared returns the process-wide client for url, creating it with opts on
// first use. Later calls ignore opts.
func Shared(url string, opts Options) *Client {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if c, ok := shared[url]; ok {
		return c
	}
	c := New(url, opts)
	shared[url] = c
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of consecutive failed dials since the last success.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// Connect starts the connection loop. It is a no-op while a loop is running.
func (c *Client) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.attempts = 0
	go c.run(ctx, c.done)
}

// Disconnect stops the loop, cancels any pending retry and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait blocks until the connection loop has exited.
func (c *Client) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.setState(StateIdle)
		c.mu.Lock()
		c.conn = nil
		c.cancel = nil
		c.done = nil
		c.mu.Unlock()
		close(done)
	}()

	for {
		c.setState(StateConnecting)
		conn, err := c.opts.Dialer.Dial(ctx, c.url)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			c.mu.Lock()
			c.attempts++
			n := c.attempts
			c.mu.Unlock()
			if n >= c.opts.MaxReconnectAttempts {
				c.log.Error("giving up reconnecting", "attempts", n, "error", err)
				return
			}
			c.log.Warn("connect failed", "attempt", n, "retry_in", c.opts.ReconnectInterval, "error", err)
			c.setState(StateBackoff)
			t := time.NewTimer(c.opts.ReconnectInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)
		c.log.Info("connected")

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()
		err = c.readLoop(conn)
		close(stop)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("connection lost", "error", err)
	}
}

func (c *Client) readLoop(conn Conn) error {
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env.Payload)
	}
}

// Subscribe registers h for msgType and returns a function that removes it.
func (c *Client) Subscribe(msgType string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[msgType] == nil {
		c.handlers[msgType] = make(map[uint64]Handler)
	}
	c.handlers[msgType][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[msgType], id)
		if len(c.handlers[msgType]) == 0 {
			delete(c.handlers, msgType)
		}
	}
}

var ErrNotConnected = errors.New("not connected")

// Send writes one envelope if the client is connected. Messages sent while
// disconnected are dropped with a warning, never queued.
func (c *Client) Send(msgType string, payload any) bool {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		c.log.Warn("send while disconnected, dropping", "type", msgType, "error", ErrNotConnected)
		return false
	}
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		c.log.Warn("encode failed, dropping", "type", msgType, "error", err)
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Warn("send failed", "type", msgType, "error", err)
		return false
	}
	return true
}
