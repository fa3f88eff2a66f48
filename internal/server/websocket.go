package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-sentinel/internal/metrics"
	"github.com/kubilitics/kubilitics-sentinel/pkg/types"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames and small filter updates
	maxMessageSize = 4 * 1024

	streamBuffer = 64
)

// WebSocket message types
const (
	MessageTypeAnomaly    = "anomaly"
	MessageTypeSubscribed = "subscribed"
	MessageTypeError      = "error"
)

// WSMessage is one frame of the anomaly stream.
type WSMessage struct {
	Type      string              `json:"type"`
	Anomaly   *types.AnomalyEvent `json:"anomaly,omitempty"`
	Filter    *StreamFilter       `json:"filter,omitempty"`
	Error     string              `json:"error,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// StreamFilter narrows the events a client receives. Clients may replace
// it at any time by sending a StreamFilter as a JSON text frame.
type StreamFilter struct {
	ServerID    string         `json:"server_id,omitempty"`
	MinSeverity types.Severity `json:"min_severity,omitempty"`
}

func (f StreamFilter) matches(ev types.AnomalyEvent) bool {
	return types.AnomalyFilter{ServerID: f.ServerID, MinSeverity: f.MinSeverity}.Matches(ev)
}

// defaultOrigins are the local development front-ends.
var defaultOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// newUpgrader checks the Origin header against allowed. Requests without an
// Origin (non-browser clients) are accepted; "*" accepts everything.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultOrigins
	}
	set := make(map[string]bool, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			return set[strings.ToLower(strings.TrimRight(origin, "/"))]
		},
	}
}

// handleAnomalyStream upgrades the connection and forwards anomaly events
// until the client leaves or the server stops. Initial filters come from
// ?server= and ?min_severity=.
func (s *Server) handleAnomalyStream(w http.ResponseWriter, r *http.Request) {
	filter := StreamFilter{ServerID: r.URL.Query().Get("server")}
	if v := r.URL.Query().Get("min_severity"); v != "" {
		sev, err := parseSeverity(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.MinSeverity = sev
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	c := &streamClient{
		id:      uuid.NewString(),
		conn:    conn,
		logger:  s.logger,
		filters: make(chan StreamFilter, 1),
	}
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	s.logger.Info("anomaly stream opened", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	events, unsubscribe := s.pipeline.Subscribe(streamBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go c.readPump(cancel)

	c.writePump(ctx, events, filter)
	s.logger.Info("anomaly stream closed", zap.String("client", c.id))
}

type streamClient struct {
	id      string
	conn    *websocket.Conn
	logger  *zap.Logger
	filters chan StreamFilter
}

// readPump handles pongs and filter updates; it cancels the stream when the
// peer goes away.
func (c *streamClient) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f StreamFilter
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("in").Inc()

		// Keep only the newest filter
		select {
		case <-c.filters:
		default:
		}
		c.filters <- f
	}
}

func (c *streamClient) writePump(ctx context.Context, events <-chan types.AnomalyEvent, filter StreamFilter) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	if err := c.send(&WSMessage{Type: MessageTypeSubscribed, Filter: &filter, Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return

		case f := <-c.filters:
			if f.MinSeverity != "" && f.MinSeverity.Rank() == 0 {
				if err := c.send(&WSMessage{Type: MessageTypeError, Error: "invalid min_severity " + string(f.MinSeverity), Timestamp: time.Now().UTC()}); err != nil {
					return
				}
				continue
			}
			filter = f
			if err := c.send(&WSMessage{Type: MessageTypeSubscribed, Filter: &filter, Timestamp: time.Now().UTC()}); err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				// Pipeline stopped
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			if !filter.matches(ev) {
				continue
			}
			if err := c.send(&WSMessage{Type: MessageTypeAnomaly, Anomaly: &ev, Timestamp: time.Now().UTC()}); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) send(msg *WSMessage) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug("websocket write failed", zap.String("client", c.id), zap.Error(err))
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("out").Inc()
	return nil
}
