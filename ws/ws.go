package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pixelstudio/domain"
	"pixelstudio/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Status frames carry no secrets beyond what the polling endpoint
		// already serves; same-origin enforcement happens at the edge.
		return true
	},
}

// StatusReader is the slice of the status store the socket handler needs.
type StatusReader interface {
	Get(requestID string) (*domain.ProcessingStatus, bool, error)
}

// Handler streams status updates for one request over a websocket. The
// connection closes itself once a terminal snapshot has been delivered.
type Handler struct {
	store StatusReader
	subs  store.StatusSubscriber
	log   *slog.Logger

	writeWait time.Duration
	pingEvery time.Duration
}

func NewHandler(st StatusReader, subs store.StatusSubscriber, log *slog.Logger) *Handler {
	return &Handler{
		store:     st,
		subs:      subs,
		log:       log,
		writeWait: 10 * time.Second,
		pingEvery: 30 * time.Second,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// ServeHTTP upgrades GET /ws/processing?request=<id> and pushes the current
// snapshot immediately, then every store update until the record is terminal.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.URL.Query().Get("request"))
	if requestID == "" {
		http.Error(w, "missing request parameter", http.StatusBadRequest)
		return
	}

	snapshot, ok, err := h.store.Get(requestID)
	if err != nil {
		http.Error(w, "status lookup failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "unknown request", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "requestId", requestID, "error", err)
		return
	}

	updates, cancel, err := h.subs.Subscribe(r.Context(), requestID)
	if err != nil {
		h.log.Warn("status subscribe failed", "requestId", requestID, "error", err)
		conn.Close()
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	go c.writePump(h, requestID)
	go c.readPump(h, requestID, cancel)

	c.enqueue(h, *snapshot)
	if snapshot.Status.Terminal() {
		close(c.send)
		return
	}

	go func() {
		defer close(c.send)
		for st := range updates {
			c.enqueue(h, st)
			if st.Status.Terminal() {
				return
			}
		}
	}()
}

func (c *client) enqueue(h *Handler, st domain.ProcessingStatus) {
	b, err := json.Marshal(st)
	if err != nil {
		h.log.Error("marshal status frame", "requestId", st.RequestID, "error", err)
		return
	}
	select {
	case c.send <- b:
	default:
		// Slow consumer: drop the frame, the next update supersedes it.
	}
}

// readPump exists to notice the peer closing; inbound frames are ignored.
func (c *client) readPump(h *Handler, requestID string, cancel func()) {
	defer func() {
		cancel()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read ended", "requestId", requestID, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump(h *Handler, requestID string) {
	ticker := time.NewTicker(h.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.log.Debug("websocket write failed", "requestId", requestID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
