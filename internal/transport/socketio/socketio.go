// Package socketio serves notification subscriptions to Socket.io clients
// (stream-b). Only the WebSocket transport of Engine.IO v4 and the default
// namespace are supported.
package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/transport"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.io packet types carried inside Engine.IO messages.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

const (
	defaultNamespace = "/"
	maxPayload       = 1_000_000

	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventNotification = "notification"
	EventError        = "error"
)

type openPacket struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

type Handler struct {
	registrar transport.Registrar
	identity  transport.IdentityFunc
	upgrader  websocket.Upgrader

	pingInterval time.Duration
	pingTimeout  time.Duration
	writeWait    time.Duration
	logger       *slog.Logger
}

type Option func(*Handler)

func WithIdentity(f transport.IdentityFunc) Option {
	return func(h *Handler) { h.identity = f }
}

func WithPing(interval, timeout time.Duration) Option {
	return func(h *Handler) {
		if interval > 0 {
			h.pingInterval = interval
		}
		if timeout > 0 {
			h.pingTimeout = timeout
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
		registrar:    reg,
		upgrader:     transport.Upgrader(),
		pingInterval: transport.DefaultKeepAlive,
		pingTimeout:  transport.DefaultPongTimeout,
		writeWait:    transport.DefaultWriteWait,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" {
		writeHandshakeError(w, 5, "Unsupported protocol version")
		return
	}
	if q.Get("transport") != "websocket" {
		writeHandshakeError(w, 0, "Transport unknown")
		return
	}

	identity := ""
	if h.identity != nil {
		id, ok := h.identity(r)
		if !ok {
			writeHandshakeError(w, 4, "Forbidden")
			return
		}
		identity = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("stream-b upgrade failed", slog.String("error", err.Error()))
		return
	}

	s := &session{
		h:    h,
		sid:  uuid.NewString(),
		sock: transport.NewSocket(conn, h.writeWait),
		subs: transport.NewSubscriptions(h.registrar, models.TransportSocketIO, identity),
	}
	s.run(r.Context())
}

func writeHandshakeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message})
}

type session struct {
	h         *Handler
	sid       string
	sock      *transport.Socket
	subs      *transport.Subscriptions
	connected bool
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	dead := false
	defer func() {
		s.subs.Close(dead)
		s.sock.Close()
	}()

	open, _ := json.Marshal(openPacket{
		SID:          s.sid,
		Upgrades:     []string{},
		PingInterval: s.h.pingInterval.Milliseconds(),
		PingTimeout:  s.h.pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	})
	if err := s.sock.WriteText(ctx, append([]byte{eioOpen}, open...)); err != nil {
		return
	}

	keepAliveErr := make(chan error, 1)
	go func() {
		keepAliveErr <- s.sock.KeepAlive(ctx, s.h.pingInterval, s.h.pingTimeout, func(ctx context.Context) error {
			return s.sock.WriteText(ctx, []byte{eioPing})
		})
	}()

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

	for {
		select {
		case data := <-frames:
			if !s.handle(ctx, data) {
				return
			}
		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, transport.ErrSocketClosed) {
				s.h.logger.Debug("stream-b read ended", slog.String("sid", s.sid), slog.String("error", err.Error()))
			}
			return
		case err := <-keepAliveErr:
			if errors.Is(err, transport.ErrHeartbeatTimeout) {
				s.h.logger.Info("stream-b peer missed heartbeat", slog.String("sid", s.sid))
				dead = true
			}
			return
		}
	}
}

// handle processes one Engine.IO packet and reports whether the session goes on.
func (s *session) handle(ctx context.Context, data []byte) bool {
	p, err := decode(data)
	if err != nil {
		s.h.logger.Debug("stream-b dropped malformed packet", slog.String("sid", s.sid), slog.String("error", err.Error()))
		return true
	}

	switch p.engine {
	case eioClose:
		return false
	case eioPing:
		return s.sock.WriteText(ctx, []byte{eioPong}) == nil
	case eioPong:
		return true
	}

	if p.namespace != defaultNamespace {
		return s.writeSIO(ctx, sioConnectError, p.namespace, nil, map[string]string{"message": "Invalid namespace"}) == nil
	}

	switch p.sio {
	case sioConnect:
		return s.connect(ctx, p)
	case sioDisconnect:
		s.connected = false
		s.subs.Close(false)
		return true
	case sioEvent:
		if !s.connected {
			return true
		}
		return s.event(ctx, p)
	}
	return true
}

func (s *session) connect(ctx context.Context, p packet) bool {
	var auth struct {
		UserID string `json:"userId"`
	}
	if len(p.payload) > 0 {
		if err := json.Unmarshal(p.payload, &auth); err != nil {
			return s.writeSIO(ctx, sioConnectError, p.namespace, nil, map[string]string{"message": "invalid auth payload"}) == nil
		}
	}
	if auth.UserID != "" {
		if _, err := s.subs.Subscribe(transport.SubscribeRequest{UserID: auth.UserID, StreamID: p.namespace}, s); err != nil {
			return s.writeSIO(ctx, sioConnectError, p.namespace, nil, map[string]string{"message": err.Error()}) == nil
		}
	}
	s.connected = true
	return s.writeSIO(ctx, sioConnect, p.namespace, nil, map[string]string{"sid": s.sid}) == nil
}

func (s *session) event(ctx context.Context, p packet) bool {
	var args []json.RawMessage
	if err := json.Unmarshal(p.payload, &args); err != nil || len(args) == 0 {
		return true
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return true
	}

	var ev any
	switch name {
	case EventSubscribe:
		var req struct {
			UserID string `json:"userId"`
		}
		if len(args) > 1 {
			_ = json.Unmarshal(args[1], &req)
		}
		ev = transport.SubscribeRequest{UserID: req.UserID, StreamID: p.namespace}
	case EventUnsubscribe:
		ev = transport.Unsubscribe{StreamID: p.namespace}
	default:
		s.h.logger.Debug("stream-b unknown event", slog.String("sid", s.sid), slog.String("event", name))
		return true
	}

	var result error
	switch ev := ev.(type) {
	case transport.SubscribeRequest:
		_, result = s.subs.Subscribe(ev, s)
	case transport.Unsubscribe:
		s.subs.Unsubscribe(ev)
	}

	if p.ackID != nil {
		reply := map[string]any{"ok": result == nil}
		if result != nil {
			reply["error"] = result.Error()
		}
		return s.writeSIO(ctx, sioAck, p.namespace, p.ackID, []any{reply}) == nil
	}
	if result != nil {
		return s.emit(ctx, EventError, map[string]string{"message": result.Error()}) == nil
	}
	return true
}

// Send emits a notification event. It makes the session a registry connection.
func (s *session) Send(ctx context.Context, n *models.Notification) error {
	return s.emit(ctx, EventNotification, n.Payload())
}

func (s *session) emit(ctx context.Context, event string, data any) error {
	return s.writeSIO(ctx, sioEvent, defaultNamespace, nil, []any{event, data})
}

func (s *session) writeSIO(ctx context.Context, typ byte, namespace string, ackID *int, data any) error {
	frame, err := encode(typ, namespace, ackID, data)
	if err != nil {
		return err
	}
	return s.sock.WriteText(ctx, frame)
}

type packet struct {
	engine    byte
	sio       byte
	namespace string
	ackID     *int
	payload   json.RawMessage
}

// decode parses an Engine.IO packet and, for messages, the Socket.io packet
// inside it: <type>[<namespace>,][<ack id>][<json>].
func decode(data []byte) (packet, error) {
	if len(data) == 0 {
		return packet{}, errors.New("empty packet")
	}
	p := packet{engine: data[0], namespace: defaultNamespace}
	if p.engine != eioMessage {
		return p, nil
	}

	rest := string(data[1:])
	if rest == "" {
		return p, errors.New("message without socket.io packet")
	}
	p.sio = rest[0]
	rest = rest[1:]

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			p.namespace, rest = rest, ""
		} else {
			p.namespace, rest = rest[:end], rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return p, fmt.Errorf("ack id: %w", err)
		}
		p.ackID = &id
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return p, errors.New("invalid packet payload")
		}
		p.payload = json.RawMessage(rest)
	}
	return p, nil
}

func encode(typ byte, namespace string, ackID *int, data any) ([]byte, error) {
	var b strings.Builder
	b.WriteByte(eioMessage)
	b.WriteByte(typ)
	if namespace != defaultNamespace {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
	if ackID != nil {
		b.WriteString(strconv.Itoa(*ackID))
	}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal socket.io packet: %w", err)
		}
		b.Write(body)
	}
	return []byte(b.String()), nil
}
