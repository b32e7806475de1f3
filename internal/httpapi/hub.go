package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/netsim/internal/logging"
)

const (
	writeWait      = 5 * time.Second
	broadcastDepth = 64
)

// Message is one frame pushed to websocket clients.
type Message struct {
	Type    string `json:"type"` // "event" or "topology"
	Payload any    `json:"payload"`
}

// hub fans messages out to every connected websocket client. All client
// bookkeeping happens on the run goroutine.
type hub struct {
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]bool
	register  chan *websocket.Conn
	remove    chan *websocket.Conn
	broadcast chan []byte
	log       logging.Logger
	done      chan struct{}
}

func newHub(log logging.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]bool),
		register:  make(chan *websocket.Conn),
		remove:    make(chan *websocket.Conn),
		broadcast: make(chan []byte, broadcastDepth),
		log:       log,
		done:      make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for conn := range h.clients {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				conn.Close()
			}
			h.clients = nil
			return
		case conn := <-h.register:
			h.clients[conn] = true
		case conn := <-h.remove:
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
		case msg := <-h.broadcast:
			for conn := range h.clients {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.log.Warn(ctx, "websocket send failed", logging.Err(err))
					delete(h.clients, conn)
					conn.Close()
				}
			}
		}
	}
}

// publish queues m for every client. It drops the frame when the hub is
// backed up or stopped.
func (h *hub) publish(ctx context.Context, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		h.log.Error(ctx, "websocket frame not encodable", logging.String("type", m.Type), logging.Err(err))
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.Warn(ctx, "websocket frame dropped", logging.String("type", m.Type))
	}
}

// serve upgrades the request, sends the greeting frames and registers the
// connection. Inbound frames are read only to notice disconnects.
func (h *hub) serve(w http.ResponseWriter, r *http.Request, greeting ...Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	for _, m := range greeting {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(m); err != nil {
			conn.Close()
			return
		}
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.remove <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug(context.Background(), "websocket closed", logging.Err(err))
				}
				return
			}
		}
	}()
}
