package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/signaling"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/metrics"
)

const testOrigin = "https://app.example.com"

type testServer struct {
	url      string
	registry *signaling.Registry
}

// newTestServer mounts the handler behind a stand-in for the auth middleware
// that trusts the "as" query parameter.
func newTestServer(t *testing.T, maxConns int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := metrics.NewMetrics("ws-test")
	registry := signaling.NewRegistry(nil, m)
	timers := signaling.NewSupervisor()
	router := signaling.NewRouter(registry, signaling.NewStore(), timers, nil, m,
		signaling.RouterConfig{RingTimeout: time.Minute})

	h := NewSignalingHandler(router, registry, m, Config{
		MaxConnections:  maxConns,
		SendBufferSize:  16,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{testOrigin},
	})

	engine := gin.New()
	engine.GET("/ws/signaling", func(c *gin.Context) {
		if as := c.Query("as"); as != "" {
			c.Set("user_id", as)
		}
		c.Next()
	}, h.ServeWS)

	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		srv.Close()
		timers.Stop()
		registry.Close()
	})

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signaling",
		registry: registry,
	}
}

func (s *testServer) dial(t *testing.T, as string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := s.url
	if as != "" {
		u += "?as=" + as
	}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(u, header)
}

func (s *testServer) connect(t *testing.T, p domain.ParticipantID) *websocket.Conn {
	t.Helper()
	conn, _, err := s.dial(t, p.String(), testOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		current, ok := s.registry.Lookup(p)
		return ok && current != nil
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) signaling.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg signaling.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSignalingHandler_RelaysOfferAndAnswer(t *testing.T) {
	srv := newTestServer(t, 10)
	alice := srv.connect(t, "alice")
	bob := srv.connect(t, "bob")

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type":       "offer",
		"senderId":   "mallory",
		"receiverId": "bob",
		"mediaKind":  "audio",
		"payload":    map[string]string{"type": "offer", "sdp": "v=0\r\n"},
	}))

	offer := readMessage(t, bob)
	assert.Equal(t, signaling.TypeOffer, offer.Type)
	assert.Equal(t, domain.ParticipantID("alice"), offer.SenderID)
	assert.Equal(t, domain.NewCallID("alice", "bob"), offer.CallID)
	assert.Equal(t, domain.MediaKindAudio, offer.MediaKind)

	require.NoError(t, bob.WriteJSON(map[string]any{
		"type":    "answer",
		"callId":  offer.CallID,
		"payload": map[string]string{"type": "answer", "sdp": "v=0\r\n"},
	}))

	answer := readMessage(t, alice)
	assert.Equal(t, signaling.TypeAnswer, answer.Type)
	assert.Equal(t, domain.ParticipantID("bob"), answer.SenderID)
}

func TestSignalingHandler_MalformedFrameGetsError(t *testing.T) {
	srv := newTestServer(t, 10)
	alice := srv.connect(t, "alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))

	msg := readMessage(t, alice)
	assert.Equal(t, signaling.TypeError, msg.Type)
	assert.EqualValues(t, "MalformedMessage", msg.Code)
}

func TestSignalingHandler_SecondConnectionSupersedesFirst(t *testing.T) {
	srv := newTestServer(t, 10)
	first := srv.connect(t, "alice")
	firstCurrent, _ := srv.registry.Lookup("alice")

	second := srv.connect(t, "alice")
	require.Eventually(t, func() bool {
		current, ok := srv.registry.Lookup("alice")
		return ok && current.ID() != firstCurrent.ID()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, constants.SupersededCloseCode, closeErr.Code)

	// The new connection stays registered once the old one unwinds.
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("{}")))
	msg := readMessage(t, second)
	assert.Equal(t, signaling.TypeError, msg.Type)
	assert.Equal(t, 1, srv.registry.Count())
}

func TestSignalingHandler_DisconnectUnregisters(t *testing.T) {
	srv := newTestServer(t, 10)
	alice := srv.connect(t, "alice")

	require.NoError(t, alice.Close())

	assert.Eventually(t, func() bool {
		_, ok := srv.registry.Lookup("alice")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSignalingHandler_Rejections(t *testing.T) {
	t.Run("missing identity", func(t *testing.T) {
		srv := newTestServer(t, 10)
		_, resp, err := srv.dial(t, "", testOrigin)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("foreign origin", func(t *testing.T) {
		srv := newTestServer(t, 10)
		_, resp, err := srv.dial(t, "alice", "https://evil.example.com")
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("at capacity", func(t *testing.T) {
		srv := newTestServer(t, 1)
		srv.connect(t, "alice")

		_, resp, err := srv.dial(t, "bob", testOrigin)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"listed", []string{testOrigin}, testOrigin, true},
		{"unlisted", []string{testOrigin}, "https://other.example.com", false},
		{"wildcard", []string{"*"}, "https://other.example.com", true},
		{"wildcard needs origin", []string{"*"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/signaling", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(req))
		})
	}
}
