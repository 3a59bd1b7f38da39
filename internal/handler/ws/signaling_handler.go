package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callrelay-backend/internal/domain"
	"callrelay-backend/internal/service/signaling"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/response"
)

const (
	pongWait   = constants.WebSocketPingInterval
	pingPeriod = pongWait * 9 / 10
	writeWait  = constants.WebSocketWriteWait
)

// Config tunes the signaling WebSocket endpoint
type Config struct {
	MaxConnections  int
	SendBufferSize  int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// SignalingHandler accepts authenticated WebSocket connections and feeds
// their frames to the signaling router.
type SignalingHandler struct {
	router   *signaling.Router
	registry *signaling.Registry
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	maxConnections  int
	sendBufferSize  int
	maxMessageBytes int64
	// semaphore caps concurrent connections
	semaphore chan struct{}
}

// SignalingClient is one WebSocket connection. It implements
// signaling.Connection.
type SignalingClient struct {
	id            string
	participantID domain.ParticipantID
	conn          *websocket.Conn

	mu          sync.Mutex
	send        chan []byte
	closed      bool
	closeCode   int
	closeReason string
}

// NewSignalingHandler creates a new signaling handler
func NewSignalingHandler(router *signaling.Router, registry *signaling.Registry, m *metrics.Metrics, cfg Config) *SignalingHandler {
	h := &SignalingHandler{
		router:          router,
		registry:        registry,
		metrics:         m,
		maxConnections:  cfg.MaxConnections,
		sendBufferSize:  cfg.SendBufferSize,
		maxMessageBytes: cfg.MaxMessageBytes,
		semaphore:       make(chan struct{}, cfg.MaxConnections),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

// originChecker accepts only listed origins. "*" accepts any non-empty origin.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return false
		}
		return set["*"] || set[origin]
	}
}

// ServeWS upgrades the request and registers the connection as the
// participant's current one.
func (h *SignalingHandler) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		h.metrics.RecordWebSocketRejected("capacity")
		response.ServiceUnavailable(c, "Server at capacity, please try again later")
		return
	}
	release := func() { <-h.semaphore }

	participantID, ok := participantFromContext(c)
	if !ok {
		release()
		h.metrics.RecordWebSocketRejected("unauthorized")
		response.Unauthorized(c, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		h.metrics.RecordWebSocketRejected("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("participant_id", participantID.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		id:            uuid.NewString(),
		participantID: participantID,
		conn:          conn,
		send:          make(chan []byte, h.sendBufferSize),
	}

	logger.Info("Signaling connection opened",
		zap.String("participant_id", participantID.String()),
		zap.String("connection_id", client.id),
		zap.String("remote_addr", c.ClientIP()))

	h.registry.Register(participantID, client)

	go client.writePump()
	go h.readPump(client, release)
}

func participantFromContext(c *gin.Context) (domain.ParticipantID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return "", false
	}
	id, ok := val.(string)
	if !ok {
		return "", false
	}
	p := domain.ParticipantID(id)
	if err := p.Validate(); err != nil {
		return "", false
	}
	return p, true
}

// readPump feeds frames to the router in arrival order until the socket
// fails, then unregisters the client.
func (h *SignalingHandler) readPump(c *SignalingClient, release func()) {
	ctx := logger.WithParticipantID(context.Background(), c.participantID.String())

	defer func() {
		h.registry.Unregister(c.participantID, c)
		c.shutdown(websocket.CloseNormalClosure, "")
		c.conn.Close()
		release()
		logger.Info("Signaling connection closed",
			zap.String("participant_id", c.participantID.String()),
			zap.String("connection_id", c.id))
	}()

	c.conn.SetReadLimit(h.maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed unexpectedly",
					zap.String("participant_id", c.participantID.String()),
					zap.Error(err))
			}
			return
		}

		h.router.Handle(ctx, c, message)
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := c.closeStatus()
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ID implements signaling.Connection
func (c *SignalingClient) ID() string {
	return c.id
}

// Participant implements signaling.Connection
func (c *SignalingClient) Participant() domain.ParticipantID {
	return c.participantID
}

// Send queues msg without blocking. A client whose queue is full is closed.
func (c *SignalingClient) Send(msg *signaling.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return signaling.ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		logger.Warn("Signaling client too slow, closing connection",
			zap.String("participant_id", c.participantID.String()),
			zap.String("connection_id", c.id))
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return signaling.ErrSendBufferFull
	}
}

// Close implements signaling.Connection. Queued messages are flushed
// before the close frame.
func (c *SignalingClient) Close(code int, reason string) {
	c.shutdown(code, reason)
}

func (c *SignalingClient) shutdown(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *SignalingClient) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *SignalingClient) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}
