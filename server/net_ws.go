package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull 发送队列已满
	ErrQueueFull = errors.New("send queue full")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")
)

// ClientConn 负责发送（写）数据到客户端的轻量包装，实现 Deliverer
type ClientConn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	send      chan []byte
	preload   [][]byte // 写协程启动后先于 send 写出
	closed    bool
	closeOnce sync.Once

	dropOnFull bool
	writeWait  time.Duration
	pongWait   time.Duration
	metrics    *Metrics
	log        *zap.SugaredLogger
}

func NewClientConn(ws *websocket.Conn, cfg ServerConfig, metrics *Metrics, log *zap.SugaredLogger) *ClientConn {
	return &ClientConn{
		ws:         ws,
		send:       make(chan []byte, cfg.SendQueue),
		dropOnFull: cfg.SlowConsumer == SlowConsumerDrop,
		writeWait:  cfg.WriteWait,
		pongWait:   cfg.PongWait,
		metrics:    metrics,
		log:        log,
	}
}

// Deliver 将消息压入队列（非阻塞）。队列满时按策略丢弃或关闭该连接，
// 绝不阻塞发布者。
func (c *ClientConn) Deliver(b []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	select {
	case c.send <- b:
		c.mu.Unlock()
		return nil
	default:
	}
	c.mu.Unlock()

	if !c.dropOnFull {
		inc(&c.metrics.SlowConsumersClosed)
		c.log.Warnf("closing slow consumer %s", c.ws.RemoteAddr())
		_ = c.Close()
	}
	return ErrQueueFull
}

// Preload 追加接入回放帧，不受队列容量限制；须在 writePump 启动前调用
func (c *ClientConn) Preload(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.preload = append(c.preload, b)
	return nil
}

// Close 关闭发送队列与底层连接；可重复调用
func (c *ClientConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		// 关闭发送通道以结束写协程
		close(c.send)
		c.mu.Unlock()
	})
	return c.ws.Close()
}

// closeWith 发送关闭帧后关闭连接
func (c *ClientConn) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	_ = c.Close()
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	c.mu.Lock()
	pending := c.preload
	c.preload = nil
	c.mu.Unlock()
	for _, msg := range pending {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.writeWait))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump 顺序读取客户端消息交给协调器；退出时触发断开清理
func (c *ClientConn) readPump(coord *Coordinator, s *Session, readLimit int64) {
	defer coord.Disconnect(s)
	defer c.Close()
	c.ws.SetReadLimit(readLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	ctx := context.Background()
	for {
		mt, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("read from %s: %v", s.Username, err)
			}
			return
		}
		if mt != websocket.TextMessage {
			c.log.Infof("Received unhandled message type %d from %s", mt, s.Username)
			continue
		}
		coord.Handle(ctx, s, payload)
	}
}

// WSHandler WebSocket 接入：GET /ws/{username}
type WSHandler struct {
	coord    *Coordinator
	cfg      ServerConfig
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

func NewWSHandler(coord *Coordinator, cfg ServerConfig, log *zap.SugaredLogger) *WSHandler {
	h := &WSHandler{coord: coord, cfg: cfg, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin")) },
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	addr := remoteAddr(r)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade error from %s: %v", addr, err)
		return
	}

	client := NewClientConn(ws, h.cfg, h.coord.Metrics(), h.log)
	s, err := h.coord.Connect(client, username, addr)
	if err != nil {
		client.closeWith(websocket.CloseInvalidFramePayloadData, err.Error())
		return
	}
	// 回放帧已全部预载，写协程先写出它们，再处理 Connect 之后入队的广播
	go client.writePump()
	go client.readPump(h.coord, s, h.cfg.ReadLimitBytes)
}

// remoteAddr 优先取代理头，仅用于日志
func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.Split(xff, ",")[0]); first != "" {
			return first
		}
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// originAllowed allowed 为空时允许所有来源
func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
