// Package transport holds what the real-time protocol adapters share: the
// neutral events they decode into, the subscription bookkeeping per
// connection and a write-serialized WebSocket wrapper.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/registry"
)

const (
	DefaultWriteWait      = 10 * time.Second
	DefaultKeepAlive      = 25 * time.Second
	DefaultPongTimeout    = 20 * time.Second
	DefaultMaxMessageSize = 64 * 1024
)

var (
	ErrForbidden        = errors.New("subscription for another user")
	ErrDuplicateStream  = errors.New("stream already subscribed")
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	ErrSocketClosed     = errors.New("socket closed")
)

// SubscribeRequest asks for the notifications of UserID on one stream of a
// connection. StreamID is the operation id (stream-a) or namespace (stream-b).
type SubscribeRequest struct {
	UserID   string
	StreamID string
}

type Unsubscribe struct {
	StreamID string
}

type Heartbeat struct{}

// Registrar is the part of the subscription registry a transport uses.
type Registrar interface {
	Register(userID string, kind models.TransportKind, conn registry.Conn) (string, error)
	Unregister(id string)
	MarkDead(id string)
}

// IdentityFunc extracts the authenticated user of an upgrade request. When it
// reports ok, subscriptions for any other user are refused.
type IdentityFunc func(r *http.Request) (string, bool)

// HeaderIdentity reads the user id from a header set by an authenticating
// gateway in front of the service. Requests without it are refused.
func HeaderIdentity(name string) IdentityFunc {
	return func(r *http.Request) (string, bool) {
		id := strings.TrimSpace(r.Header.Get(name))
		return id, id != ""
	}
}

// Subscriptions tracks the registry subscribers opened over one connection,
// keyed by stream id.
type Subscriptions struct {
	reg      Registrar
	kind     models.TransportKind
	identity string

	mu      sync.Mutex
	streams map[string]string
}

func NewSubscriptions(reg Registrar, kind models.TransportKind, identity string) *Subscriptions {
	return &Subscriptions{
		reg:      reg,
		kind:     kind,
		identity: identity,
		streams:  make(map[string]string),
	}
}

// Subscribe registers conn for req.UserID and returns the subscriber id.
func (s *Subscriptions) Subscribe(req SubscribeRequest, conn registry.Conn) (string, error) {
	if req.UserID == "" {
		return "", errors.New("userId is required")
	}
	if s.identity != "" && req.UserID != s.identity {
		return "", ErrForbidden
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[req.StreamID]; ok {
		return "", ErrDuplicateStream
	}
	id, err := s.reg.Register(req.UserID, s.kind, conn)
	if err != nil {
		return "", fmt.Errorf("register subscriber: %w", err)
	}
	s.streams[req.StreamID] = id
	return id, nil
}

// Unsubscribe removes the stream's subscriber. Unknown streams are ignored.
func (s *Subscriptions) Unsubscribe(u Unsubscribe) {
	s.mu.Lock()
	id, ok := s.streams[u.StreamID]
	delete(s.streams, u.StreamID)
	s.mu.Unlock()
	if ok {
		s.reg.Unregister(id)
	}
}

// Has reports whether streamID is subscribed.
func (s *Subscriptions) Has(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[streamID]
	return ok
}

// Close unregisters every stream. With dead set the subscribers are marked
// dead instead, which is how a missed heartbeat is reported.
func (s *Subscriptions) Close(dead bool) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for _, id := range s.streams {
		ids = append(ids, id)
	}
	s.streams = make(map[string]string)
	s.mu.Unlock()

	for _, id := range ids {
		if dead {
			s.reg.MarkDead(id)
		} else {
			s.reg.Unregister(id)
		}
	}
}

// Socket serializes writes to a WebSocket connection and bounds each one by
// a deadline.
type Socket struct {
	conn      *websocket.Conn
	writeWait time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	lastSeen atomic.Int64
}

func NewSocket(conn *websocket.Conn, writeWait time.Duration) *Socket {
	if writeWait <= 0 {
		writeWait = DefaultWriteWait
	}
	s := &Socket{conn: conn, writeWait: writeWait, closed: make(chan struct{})}
	conn.SetReadLimit(DefaultMaxMessageSize)
	s.Touch()
	return s
}

// WriteText writes one text frame, giving up at ctx's deadline or after the
// socket's write wait, whichever comes first.
func (s *Socket) WriteText(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrSocketClosed
	default:
	}

	deadline := time.Now().Add(s.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadText returns the next text frame.
func (s *Socket) ReadText() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.Touch()
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

// CloseWith sends a close frame carrying code and reason, then closes.
func (s *Socket) CloseWith(code int, reason string) {
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeWait))
	s.mu.Unlock()
	s.Close()
}

func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed once the socket is closed.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}

// Touch records inbound traffic for the keep-alive check.
func (s *Socket) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

func (s *Socket) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// KeepAlive sends a protocol ping every interval and fails with
// ErrHeartbeatTimeout when nothing arrived from the peer for interval+timeout.
func (s *Socket) KeepAlive(ctx context.Context, interval, timeout time.Duration, ping func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ErrSocketClosed
		case now := <-ticker.C:
			if now.Sub(s.LastSeen()) > interval+timeout {
				return ErrHeartbeatTimeout
			}
			if err := ping(ctx); err != nil {
				return fmt.Errorf("send ping: %w", err)
			}
		}
	}
}

// Upgrader builds the upgrader shared by the adapters. Origin checks are left
// to the gateway in front of the service.
func Upgrader(subprotocols ...string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    subprotocols,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}
