package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 把已提交的事件推送给所有 websocket 客户端；实现 events.Sink。
// 客户端发送缓冲满时直接断开该客户端，不阻塞节点。
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

var _ events.Sink = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{clients: make(map[*wsClient]struct{})}
}

// Publish 广播 records
func (h *Hub) Publish(_ context.Context, records []events.Record) error {
	msgs := make([][]byte, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, b)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
	send:
		for _, m := range msgs {
			select {
			case c.send <- m:
			default:
				h.dropLocked(c)
				break send
			}
		}
	}
	return nil
}

// Clients 当前连接数
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) dropLocked(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// serveWS 升级连接并保持到客户端断开
func (h *Hub) serveWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithField("component", "api").Warnf("websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.register(client)
	go client.writeLoop()

	// 只读取以处理 pong / close；收到的消息被忽略
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.unregister(client)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
