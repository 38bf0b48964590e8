package graphqlws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/hray3182/lifeline-notifier/internal/models"
	"github.com/hray3182/lifeline-notifier/internal/registry"
	"github.com/hray3182/lifeline-notifier/internal/transport"
)

type GraphQLWSSuite struct {
	suite.Suite
	reg    *registry.Registry
	server *httptest.Server
}

func TestGraphQLWSSuite(t *testing.T) {
	suite.Run(t, new(GraphQLWSSuite))
}

func (s *GraphQLWSSuite) SetupTest() {
	s.reg = registry.New(registry.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.server = nil
	s.serve()
}

func (s *GraphQLWSSuite) serve(opts ...Option) {
	if s.server != nil {
		s.server.Close()
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	h, err := NewHandler(s.reg, opts...)
	s.Require().NoError(err)
	s.server = httptest.NewServer(h)
}

func (s *GraphQLWSSuite) TearDownTest() {
	s.server.Close()
	s.reg.Close()
}

func (s *GraphQLWSSuite) dial(subprotocols ...string) *websocket.Conn {
	if subprotocols == nil {
		subprotocols = []string{Subprotocol}
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	dialer := websocket.Dialer{Subprotocols: subprotocols}
	conn, _, err := dialer.Dial(url, nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return conn
}

func (s *GraphQLWSSuite) send(conn *websocket.Conn, msg string) {
	s.Require().NoError(conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func (s *GraphQLWSSuite) read(conn *websocket.Conn) message {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	s.Require().NoError(err)
	var msg message
	s.Require().NoError(json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips keep-alive pings.
func (s *GraphQLWSSuite) readUntil(conn *websocket.Conn, typ string) message {
	for {
		msg := s.read(conn)
		if msg.Type == typ {
			return msg
		}
		s.Require().Equal(msgPing, msg.Type, "unexpected frame")
	}
}

func (s *GraphQLWSSuite) expectClose(conn *websocket.Conn, code int) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		s.True(websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
		return
	}
}

func (s *GraphQLWSSuite) initialised() *websocket.Conn {
	conn := s.dial()
	s.send(conn, `{"type":"connection_init"}`)
	s.Equal(msgConnectionAck, s.read(conn).Type)
	return conn
}

func (s *GraphQLWSSuite) subscribe(conn *websocket.Conn, id, userID string) {
	s.send(conn, `{"id":"`+id+`","type":"subscribe","payload":{"query":"subscription { notification { id message type } }","variables":{"userId":"`+userID+`"}}}`)
}

func (s *GraphQLWSSuite) TestSubscribeReceiveComplete() {
	conn := s.initialised()
	s.subscribe(conn, "op-1", "user-1")
	s.Eventually(func() bool { return len(s.reg.SubscribersFor("user-1")) == 1 }, time.Second, 5*time.Millisecond)

	sub := s.reg.SubscribersFor("user-1")[0]
	s.Equal(models.TransportGraphQLWS, sub.Kind)
	n := &models.Notification{ID: "n-1", Message: "Stand up", Type: "reminder", ReminderID: "r-1"}
	s.Require().NoError(sub.Conn().Send(context.Background(), n))

	msg := s.readUntil(conn, msgNext)
	s.Equal("op-1", msg.ID)
	var payload struct {
		Data struct {
			Notification models.Payload `json:"notification"`
		} `json:"data"`
	}
	s.Require().NoError(json.Unmarshal(msg.Payload, &payload))
	s.Equal("n-1", payload.Data.Notification.ID)
	s.Equal("Stand up", payload.Data.Notification.Message)
	s.Equal("reminder", payload.Data.Notification.Type)

	s.send(conn, `{"id":"op-1","type":"complete"}`)
	s.Eventually(func() bool { return s.reg.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *GraphQLWSSuite) TestOneSubscriberPerOperation() {
	conn := s.initialised()
	s.subscribe(conn, "a", "user-1")
	s.subscribe(conn, "b", "user-1")
	s.Eventually(func() bool { return s.reg.Count() == 2 }, time.Second, 5*time.Millisecond)

	s.Require().NoError(conn.Close())
	s.Eventually(func() bool { return s.reg.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *GraphQLWSSuite) TestClientPing() {
	conn := s.initialised()
	s.send(conn, `{"type":"ping"}`)
	s.Equal(msgPong, s.readUntil(conn, msgPong).Type)
}

func (s *GraphQLWSSuite) TestMissingUserIDIsAnError() {
	conn := s.initialised()
	s.send(conn, `{"id":"op-1","type":"subscribe","payload":{"query":"subscription { notification { id } }"}}`)
	msg := s.readUntil(conn, msgError)
	s.Equal("op-1", msg.ID)
	s.Equal(0, s.reg.Count())
}

func (s *GraphQLWSSuite) TestProtocolViolations() {
	s.Run("subscribe before init", func() {
		conn := s.dial()
		s.subscribe(conn, "op-1", "user-1")
		s.expectClose(conn, CloseUnauthorized)
	})
	s.Run("second init", func() {
		conn := s.initialised()
		s.send(conn, `{"type":"connection_init"}`)
		s.expectClose(conn, CloseTooManyInitRequests)
	})
	s.Run("duplicate operation id", func() {
		conn := s.initialised()
		s.subscribe(conn, "op-1", "user-1")
		s.subscribe(conn, "op-1", "user-1")
		s.expectClose(conn, CloseSubscriberExists)
	})
	s.Run("malformed frame", func() {
		conn := s.initialised()
		s.send(conn, `not json`)
		s.expectClose(conn, CloseBadRequest)
	})
	s.Run("unknown type", func() {
		conn := s.initialised()
		s.send(conn, `{"type":"start"}`)
		s.expectClose(conn, CloseBadRequest)
	})
	s.Run("wrong subprotocol", func() {
		conn := s.dial("graphql-ws")
		s.expectClose(conn, CloseSubprotocol)
	})
	s.Eventually(func() bool { return s.reg.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func (s *GraphQLWSSuite) TestInitTimeout() {
	s.serve(WithConnectionInitWait(30 * time.Millisecond))
	conn := s.dial()
	s.expectClose(conn, CloseInitTimeout)
}

func (s *GraphQLWSSuite) TestMissedHeartbeatMarksDead() {
	s.serve(WithKeepAlive(20*time.Millisecond, 20*time.Millisecond))
	conn := s.initialised()
	s.subscribe(conn, "op-1", "user-1")
	s.Eventually(func() bool { return s.reg.Count() == 1 }, time.Second, 5*time.Millisecond)

	// The client never answers the server's pings.
	s.Eventually(func() bool { return s.reg.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *GraphQLWSSuite) TestIdentityRestrictsUser() {
	s.serve(WithIdentity(func(r *http.Request) (string, bool) {
		id := r.Header.Get("X-User-ID")
		return id, id != ""
	}))

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}

	_, resp, err := dialer.Dial(url, nil)
	s.Require().Error(err)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := dialer.Dial(url, http.Header{"X-User-ID": []string{"user-1"}})
	s.Require().NoError(err)
	defer conn.Close()
	s.send(conn, `{"type":"connection_init"}`)
	s.Equal(msgConnectionAck, s.read(conn).Type)

	s.subscribe(conn, "op-1", "user-2")
	s.Equal(msgError, s.readUntil(conn, msgError).Type)

	s.subscribe(conn, "op-2", "user-1")
	s.Eventually(func() bool { return len(s.reg.SubscribersFor("user-1")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDecode(t *testing.T) {
	cases := []struct {
		name    string
		frame   string
		want    any
		wantErr bool
	}{
		{"init", `{"type":"connection_init","payload":{}}`, connectionInit{}, false},
		{"ping", `{"type":"ping"}`, transport.Heartbeat{}, false},
		{"pong", `{"type":"pong"}`, transport.Heartbeat{}, false},
		{"subscribe", `{"id":"1","type":"subscribe","payload":{"query":"q","variables":{"userId":"u"}}}`, transport.SubscribeRequest{UserID: "u", StreamID: "1"}, false},
		{"complete", `{"id":"1","type":"complete"}`, transport.Unsubscribe{StreamID: "1"}, false},
		{"subscribe without id", `{"type":"subscribe","payload":{"query":"q"}}`, nil, true},
		{"subscribe without payload", `{"id":"1","type":"subscribe"}`, nil, true},
		{"unknown", `{"type":"start"}`, nil, true},
		{"garbage", `{`, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _, err := decode([]byte(tc.frame))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev)
		})
	}
}
