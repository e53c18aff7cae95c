// Package events pushes reconciler side effects, such as navigation, to
// the signed-in user's open browser tabs over websockets.
package events

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/chat-canvas/backend/internal/service/auth"
	chatService "github.com/zhouzirui/chat-canvas/backend/internal/service/chat"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// Message is the envelope written to every socket.
type Message struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
}

type client struct {
	identity string
	conn     *websocket.Conn
	send     chan Message
}

// Hub tracks the open sockets of every identity.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub 创建事件中心，只接受同源或 allowedOrigins 中列出的来源（"*" 不生效）
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" || origins[origin] {
					return true
				}
				u, err := url.Parse(origin)
				return err == nil && strings.EqualFold(u.Host, r.Host)
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.Named("events"),
	}
}

// RegisterRoutes 注册事件路由，调用方负责身份校验
func (h *Hub) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleWebSocket)
}

// Navigator returns the reconciler navigator for identity.
func (h *Hub) Navigator(identity string) chatService.Navigator {
	return chatService.NavigatorFunc(func(path string) {
		h.Publish(identity, Message{Type: "navigate", Path: path})
	})
}

// Publish queues msg on every socket of identity. Sockets whose buffer is
// full are skipped.
func (h *Hub) Publish(identity string, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[identity] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping event for slow socket", zap.String("identity", identity), zap.String("type", msg.Type))
		}
	}
}

// Connections reports how many sockets identity has open.
func (h *Hub) Connections(identity string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[identity])
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{identity: id.ID, conn: conn, send: make(chan Message, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, c)
	}()

	h.readLoop(c)
	cancel()
	<-done
	_ = conn.Close()
}

// readLoop discards inbound frames and returns once the peer goes away.
func (h *Hub) readLoop(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.String("identity", c.identity), zap.Error(err))
			}
			return
		}
	}
}

// writeLoop 负责所有写操作，并定期发送 ping
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", zap.String("identity", c.identity), zap.Error(err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.identity]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.identity] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("websocket connected", zap.String("identity", c.identity), zap.Int("connections", len(set)))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.identity]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.identity)
	}
}
