package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"openplus/internal/events"

	"github.com/gorilla/websocket"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveSendBuffer = 16
	liveReadLimit  = 512
)

// Origin checking uses the upgrader default: same host only.
var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// liveHub fans bus events out to connected browsers.
type liveHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*liveClient]struct{}
}

type liveClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newLiveHub(logger *slog.Logger) *liveHub {
	return &liveHub{
		logger:  logger,
		clients: make(map[*liveClient]struct{}),
	}
}

// add registers c after queueing the frames returned by backlog. backlog runs
// under the hub lock, so no broadcast lands between it and registration.
func (h *liveHub) add(c *liveClient, backlog func() [][]byte) {
	h.mu.Lock()
	var queued int
	if backlog != nil {
		for _, data := range backlog() {
			c.send <- data
			queued++
		}
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("live client connected", "client", c.id, "clients", n, "replayed", queued)
}

// remove unregisters c and closes its send queue, which stops its writer.
func (h *liveHub) remove(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast queues e for every client. A client whose queue is full is
// disconnected rather than allowed to stall the emitter.
func (h *liveHub) broadcast(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("cannot encode live event", "event", e.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("live client too slow, disconnecting", "client", c.id)
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *liveHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *liveHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (w *Web) handleLive(rw http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		w.logger.Warn("websocket upgrade failed", "err", err, "request_id", requestID(r.Context()))
		return
	}

	c := &liveClient{
		id:   requestID(r.Context()),
		conn: conn,
		send: make(chan []byte, liveSendBuffer),
	}
	// Queued before registration so it is always the first frame.
	if hello, err := json.Marshal(w.liveHello()); err == nil {
		c.send <- hello
	}
	var backlog func() [][]byte
	if !since.IsZero() {
		backlog = func() [][]byte { return w.liveBacklog(since) }
	}
	w.live.add(c, backlog)

	go c.writeLoop(w.logger)
	c.readLoop(w.logger)
	w.live.remove(c)
}

// liveHello describes the current state to a newly connected client.
func (w *Web) liveHello() events.Event {
	payload := map[string]any{"version": w.version}
	if w.analyzer != nil {
		payload["analysis_running"] = w.analyzer.Running()
	}
	if last, ok := w.events.Last(events.AnalysisFinished); ok {
		payload["last_run"] = last.Payload
	}
	return events.Event{
		Type:      "hello",
		Source:    "web",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// liveBacklog encodes the recorded events strictly after since, keeping the
// newest ones that fit in a client queue next to the hello frame.
func (w *Web) liveBacklog(since time.Time) [][]byte {
	missed := w.events.Replay("*", since.Add(time.Nanosecond))
	if keep := liveSendBuffer - 1; len(missed) > keep {
		missed = missed[len(missed)-keep:]
	}
	out := make([][]byte, 0, len(missed))
	for _, e := range missed {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// readLoop discards client frames and returns when the connection drops.
func (c *liveClient) readLoop(logger *slog.Logger) {
	c.conn.SetReadLimit(liveReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("live client read error", "client", c.id, "err", err)
			}
			return
		}
	}
}

func (c *liveClient) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("live client write failed", "client", c.id, "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
