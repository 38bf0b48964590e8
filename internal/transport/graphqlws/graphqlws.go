// Package graphqlws serves notification subscriptions over the
// graphql-transport-ws protocol (stream-a).
package graphqlws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/transport"
)

const Subprotocol = "graphql-transport-ws"

const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by the protocol.
const (
	CloseBadRequest          = 4400
	CloseUnauthorized        = 4401
	CloseSubprotocol         = 4406
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInitRequests = 4429
)

const DefaultConnectionInitWait = 10 * time.Second

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type Handler struct {
	registrar transport.Registrar
	identity  transport.IdentityFunc
	upgrader  websocket.Upgrader

	keepAlive   time.Duration
	pongTimeout time.Duration
	initWait    time.Duration
	writeWait   time.Duration
	logger      *slog.Logger
}

type Option func(*Handler)

func WithIdentity(f transport.IdentityFunc) Option {
	return func(h *Handler) { h.identity = f }
}

func WithKeepAlive(interval, pongTimeout time.Duration) Option {
	return func(h *Handler) {
		if interval > 0 {
			h.keepAlive = interval
		}
		if pongTimeout > 0 {
			h.pongTimeout = pongTimeout
		}
	}
}

func WithConnectionInitWait(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.initWait = d
		}
	}
}

func WithWriteWait(d time.Duration) Option {
	return func(h *Handler) { h.writeWait = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func NewHandler(reg transport.Registrar, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registrar is required")
	}
	h := &Handler{
		registrar:   reg,
		upgrader:    transport.Upgrader(Subprotocol),
		keepAlive:   transport.DefaultKeepAlive,
		pongTimeout: transport.DefaultPongTimeout,
		initWait:    DefaultConnectionInitWait,
		writeWait:   transport.DefaultWriteWait,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := ""
	if h.identity != nil {
		id, ok := h.identity(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream-a upgrade failed", slog.String("error", err.Error()))
		return
	}
	sock := transport.NewSocket(conn, h.writeWait)
	if conn.Subprotocol() != Subprotocol {
		sock.CloseWith(CloseSubprotocol, "Subprotocol not acceptable")
		return
	}

	s := &session{
		h:    h,
		sock: sock,
		subs: transport.NewSubscriptions(h.registrar, models.TransportGraphQLWS, identity),
	}
	s.run(r.Context())
}

type session struct {
	h     *Handler
	sock  *transport.Socket
	subs  *transport.Subscriptions
	acked bool
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	dead := false
	defer func() {
		s.subs.Close(dead)
		s.sock.Close()
	}()

	initTimer := time.AfterFunc(s.h.initWait, func() {
		s.sock.CloseWith(CloseInitTimeout, "Connection initialisation timeout")
	})
	defer initTimer.Stop()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := s.sock.ReadText()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepAliveErr := make(chan error, 1)
	for {
		select {
		case data := <-frames:
			if !s.handle(ctx, data, initTimer, keepAliveErr) {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, transport.ErrSocketClosed) {
				s.h.logger.Debug("stream-a read ended", slog.String("error", err.Error()))
			}
			return
		case err := <-keepAliveErr:
			if errors.Is(err, transport.ErrHeartbeatTimeout) {
				s.h.logger.Info("stream-a peer missed heartbeat")
				dead = true
			}
			return
		}
	}
}

// handle processes one client frame and reports whether the session goes on.
func (s *session) handle(ctx context.Context, data []byte, initTimer *time.Timer, keepAliveErr chan<- error) bool {
	ev, msg, err := decode(data)
	if err != nil {
		s.sock.CloseWith(CloseBadRequest, err.Error())
		return false
	}

	switch ev := ev.(type) {
	case connectionInit:
		if s.acked {
			s.sock.CloseWith(CloseTooManyInitRequests, "Too many initialisation requests")
			return false
		}
		initTimer.Stop()
		s.acked = true
		if err := s.write(ctx, message{Type: msgConnectionAck}); err != nil {
			return false
		}
		go func() {
			keepAliveErr <- s.sock.KeepAlive(ctx, s.h.keepAlive, s.h.pongTimeout, func(ctx context.Context) error {
				return s.write(ctx, message{Type: msgPing})
			})
		}()

	case transport.Heartbeat:
		if msg.Type == msgPing {
			return s.write(ctx, message{Type: msgPong}) == nil
		}

	case transport.SubscribeRequest:
		if !s.acked {
			s.sock.CloseWith(CloseUnauthorized, "Unauthorized")
			return false
		}
		if s.subs.Has(ev.StreamID) {
			s.sock.CloseWith(CloseSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", ev.StreamID))
			return false
		}
		if _, err := s.subs.Subscribe(ev, &operation{s: s, id: ev.StreamID}); err != nil {
			return s.writeError(ctx, ev.StreamID, err) == nil
		}

	case transport.Unsubscribe:
		s.subs.Unsubscribe(ev)
	}
	return true
}

type connectionInit struct{}

// decode turns a client frame into a neutral transport event.
func decode(data []byte) (any, message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, msg, errors.New("invalid message received")
	}

	switch msg.Type {
	case msgConnectionInit:
		return connectionInit{}, msg, nil
	case msgPing, msgPong:
		return transport.Heartbeat{}, msg, nil
	case msgSubscribe:
		if msg.ID == "" {
			return nil, msg, errors.New("subscribe message requires an id")
		}
		var p subscribePayload
		if len(msg.Payload) == 0 || json.Unmarshal(msg.Payload, &p) != nil {
			return nil, msg, errors.New("invalid subscribe payload")
		}
		userID, _ := p.Variables["userId"].(string)
		return transport.SubscribeRequest{UserID: userID, StreamID: msg.ID}, msg, nil
	case msgComplete:
		return transport.Unsubscribe{StreamID: msg.ID}, msg, nil
	}
	return nil, msg, fmt.Errorf("invalid message type %q", msg.Type)
}

func (s *session) write(ctx context.Context, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	return s.sock.WriteText(ctx, data)
}

func (s *session) writeError(ctx context.Context, id string, cause error) error {
	payload, _ := json.Marshal([]gqlError{{Message: cause.Error()}})
	return s.write(ctx, message{ID: id, Type: msgError, Payload: payload})
}

// operation is the registry connection handle of one subscribe operation.
type operation struct {
	s  *session
	id string
}

func (o *operation) Send(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(map[string]any{
		"data": map[string]any{"notification": n.Payload()},
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return o.s.write(ctx, message{ID: o.id, Type: msgNext, Payload: payload})
}
