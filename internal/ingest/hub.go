package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"dcagate/internal/logger"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Hub 把活动日志的新条目广播给所有 websocket 客户端。
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	lock      sync.Mutex
	origins   map[string]struct{}
	upgrader  websocket.Upgrader
}

// NewHub 创建广播中心。浏览器连接只接受同源或 origins 中列出的 Origin。
func NewHub(origins ...string) *Hub {
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		origins:   make(map[string]struct{}, len(origins)),
	}
	for _, o := range origins {
		if o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/")); o != "" {
			h.origins[o] = struct{}{}
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin 放行没有 Origin 的非浏览器客户端。
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := h.origins[strings.ToLower(strings.TrimRight(origin, "/"))]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Run 分发广播直到 ctx 结束，然后关闭所有连接。
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case message := <-h.broadcast:
			h.lock.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.lock.Unlock()
		}
	}
}

// Publish 序列化条目并尝试广播；队列满时丢弃，不阻塞调用方。
func (h *Hub) Publish(e Entry) {
	msg, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		logger.Debugf("[ws] broadcast queue full, dropping entry %s", e.ID)
	}
}

// Clients 返回当前连接数。
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// ServeHTTP 升级连接并注册客户端；读循环只用于感知断开。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}
	h.lock.Lock()
	h.clients[conn] = true
	h.lock.Unlock()
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.clients[conn] {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) closeAll() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}
