package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/fleet-realtime/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var (
	errSlowConsumer  = errors.New("outbound buffer full, frame dropped")
	errSessionClosed = errors.New("session closed")
)

// wsSession is one upgraded websocket connection. Send only queues; a single
// writer goroutine owns the socket, so a stalled peer never blocks fanout to
// the other subscribers of a trip.
type wsSession struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

func newSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send queues frame for the writer. A full queue drops the frame.
func (s *wsSession) Send(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.out <- frame:
		return nil
	default:
		return errSlowConsumer
	}
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || g.allowedOrigin == "" || g.allowedOrigin == "*" {
		return true
	}
	for _, allowed := range strings.Split(g.allowedOrigin, ",") {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}

// ServeWS upgrades the request and runs the session until the peer goes away.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s := newSession(conn)
	observability.WSConnections.Inc()
	g.logger.Info("connection opened", "conn_id", s.id, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		close(s.done)
		g.Disconnect(s.id)
		_ = conn.Close()
		observability.WSConnections.Dec()
		g.logger.Info("connection closed", "conn_id", s.id)
	}()

	go g.writePump(ctx, s)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("connection read failed", "conn_id", s.id, "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		g.Handle(ctx, s, frame)
	}
}

// writePump is the only writer on the socket: it drains the session queue
// and sends keepalive pings. A failed write closes the socket, which ends
// the read loop in ServeWS.
func (g *Gateway) writePump(ctx context.Context, s *wsSession) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.logger.Debug("write failed", "conn_id", s.id, "error", err)
				_ = s.conn.Close()
				return
			}
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				g.logger.Debug("ping failed", "conn_id", s.id, "error", err)
				_ = s.conn.Close()
				return
			}
		}
	}
}
