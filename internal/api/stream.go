package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flstack/netplane/internal/storage"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 64 * 1024
	sendBuffer = 64

	minEmitInterval = 1 * time.Second
	maxEmitInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamClient is one WebSocket subscriber. All writes go through the send
// channel into writePump; readPump is the only reader. The emitter goroutine
// is re-armed on every subscribe message.
type streamClient struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	emitStop  chan struct{}
	dataType  string
	interval  time.Duration
}

// subscribeMessage is the client's control frame.
type subscribeMessage struct {
	Action     string `json:"action"`
	Type       string `json:"type"`
	IntervalMS int    `json:"interval_ms"`
}

// handleWebSocket upgrades and serves one streaming client. The path keeps
// the /socket.io/ name the dashboards already dial.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		id:     uuid.NewString()[:8],
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.logger.Info("stream client connected", "client", client.id, "remote", r.RemoteAddr)

	go client.writePump()
	go client.readPump()
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.stopEmitter()
		c.conn.Close()
		c.server.logger.Info("stream client disconnected", "client", c.id)
	})
}

// writePump owns all writes to the connection: data frames and pings.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump owns all reads: control frames arrive here.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("stream read error", "client", c.id, "error", err)
			}
			return
		}

		var msg subscribeMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.enqueue(map[string]any{"event": "error", "message": "invalid message"})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subscribe(msg)
		case "unsubscribe":
			c.stopEmitter()
			c.enqueue(map[string]any{"event": "unsubscribed"})
		default:
			c.enqueue(map[string]any{"event": "error", "message": "unknown action " + msg.Action})
		}
	}
}

// subscribe (re)arms the per-client emitter at the requested cadence,
// clamped to [1s, 30s].
func (c *streamClient) subscribe(msg subscribeMessage) {
	interval := time.Duration(msg.IntervalMS) * time.Millisecond
	if interval < minEmitInterval {
		interval = minEmitInterval
	}
	if interval > maxEmitInterval {
		interval = maxEmitInterval
	}
	dataType := msg.Type
	if dataType == "" {
		dataType = "all"
	}

	c.stopEmitter()

	stop := make(chan struct{})
	c.mu.Lock()
	c.emitStop = stop
	c.dataType = dataType
	c.interval = interval
	c.mu.Unlock()

	c.enqueue(map[string]any{
		"event":       "subscribed",
		"type":        dataType,
		"interval_ms": interval.Milliseconds(),
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			// Push immediately, then on each tick.
			c.enqueue(c.server.buildUpdate(dataType))
			select {
			case <-stop:
				return
			case <-c.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *streamClient) stopEmitter() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emitStop != nil {
		close(c.emitStop)
		c.emitStop = nil
	}
}

// enqueue drops the frame when the client cannot keep up.
func (c *streamClient) enqueue(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.server.logger.Warn("stream client send buffer full, dropping frame", "client", c.id)
	}
}

// buildUpdate assembles one metrics_update frame for the subscribed type.
func (s *Server) buildUpdate(dataType string) map[string]any {
	data := map[string]any{}

	if dataType == "network" || dataType == "all" {
		if rows := s.store.LoadMetrics(storage.MetricFilter{TypeFilter: "network", Limit: 1, SortDesc: true}); len(rows) > 0 {
			data["network"] = rows[0].Data
		}
	}
	if dataType == "fl" || dataType == "all" {
		if rec, ok := s.store.GetLatestFLMetrics(); ok {
			data["fl"] = rec.Data
		}
		if summary := s.store.GetFLSummaryFast(20); len(summary) > 0 {
			data["fl_rounds"] = summary
		}
	}
	if dataType == "events" || dataType == "all" {
		data["events"] = s.store.LoadEvents(storage.EventFilter{Limit: 10, SortDesc: true})
	}

	return map[string]any{
		"event":     "metrics_update",
		"type":      dataType,
		"data":      data,
		"timestamp": storage.NowISO(),
	}
}
