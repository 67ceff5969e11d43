package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/nftmarket/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans marketplace events out to connected WebSocket clients. It
// implements messaging.Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
	log     *zap.Logger
}

type wsClient struct {
	id   uuid.UUID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients: make(map[uuid.UUID]*wsClient),
		log:     log,
	}
}

// Publish broadcasts the event to every connected client. Slow clients drop
// messages rather than block the marketplace.
func (h *Hub) Publish(ctx context.Context, event messaging.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			h.log.Warn("dropping event for slow websocket client",
				zap.String("client", client.id.String()))
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	g.hub.mu.Lock()
	g.hub.clients[client.id] = client
	g.hub.mu.Unlock()

	go g.hub.readPump(client)
	go g.hub.writePump(client)
}

func (h *Hub) readPump(client *wsClient) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			return
		}
	}
}
