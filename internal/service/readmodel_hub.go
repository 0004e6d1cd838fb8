package service

import (
	"classroom_sync_backend/internal/model"
	"classroom_sync_backend/internal/readmodel"
	"classroom_sync_backend/internal/util"
	"classroom_sync_backend/pkg/logger"
	"classroom_sync_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	shardCount     = 32
)

const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgSnapshot    = "SNAPSHOT"
	MsgError       = "ERROR"
)

var (
	// 内存复用 (sync.Pool)
	messagePool = sync.Pool{
		New: func() interface{} {
			return &WSMessage{}
		},
	}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage 上行为订阅指令，下行为读模型快照或错误
type WSMessage struct {
	Type    string                   `json:"type"`
	View    string                   `json:"view,omitempty"`
	ID      string                   `json:"id,omitempty"`
	Data    *readmodel.Resource[any] `json:"data,omitempty"`
	Message string                   `json:"message,omitempty"`
}

func (m *WSMessage) reset() {
	*m = WSMessage{}
}

type Client struct {
	Hub     *ReadModelHub
	Conn    *websocket.Conn
	Send    chan []byte
	UserID  string
	Role    model.UserRole
	Limiter *rate.Limiter // 限流器

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   map[string]func()
}

func subscriptionKey(view, id string) string {
	return view + "|" + id
}

func (c *Client) readPump() {
	defer func() {
		// hub 停止后不再有人接收注销
		select {
		case c.Hub.unregister <- c:
		case <-c.ctx.Done():
		}
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Log.Error("WebSocket unexpected close", zap.Error(err), zap.String("userId", c.UserID))
			}
			break
		}

		// 限流校验
		if !c.Limiter.Allow() {
			continue
		}

		// 对象池解析消息
		wsMsg := messagePool.Get().(*WSMessage)
		wsMsg.reset()
		if err := json.Unmarshal(message, wsMsg); err != nil {
			messagePool.Put(wsMsg)
			continue
		}

		switch wsMsg.Type {
		case MsgSubscribe:
			if err := c.Hub.subscribe(c, wsMsg.View, wsMsg.ID); err != nil {
				c.sendError(wsMsg.View, wsMsg.ID, err)
			}
		case MsgUnsubscribe:
			c.unsubscribe(subscriptionKey(wsMsg.View, wsMsg.ID))
		}
		messagePool.Put(wsMsg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push 发送队列已满时丢弃，下一次快照会覆盖
func (c *Client) push(msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Log.Error("Marshal websocket message failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs == nil {
		return
	}
	select {
	case c.Send <- payload:
	default:
	}
}

func (c *Client) sendError(view, id string, err error) {
	c.push(WSMessage{Type: MsgError, View: view, ID: id, Message: util.UserMessage(err)})
}

func (c *Client) unsubscribe(key string) {
	c.mu.Lock()
	release, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		release()
	}
}

// close 释放全部订阅并关闭发送通道
func (c *Client) close() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	if subs == nil {
		c.mu.Unlock()
		return
	}
	c.subs = nil
	close(c.Send)
	c.mu.Unlock()
	for _, release := range subs {
		release()
	}
}

type shard struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

// ReadModelHub 通过 websocket 推送读模型快照；同一读模型的多个订阅共享一个上游
type ReadModelHub struct {
	shards     [shardCount]*shard
	register   chan *Client
	unregister chan *Client
	Views      *ViewService

	mu     sync.Mutex
	shared map[string]*readmodel.Shared[any]
}

func NewReadModelHub(views *ViewService) *ReadModelHub {
	h := &ReadModelHub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		Views:      views,
		shared:     make(map[string]*readmodel.Shared[any]),
	}
	for i := 0; i < shardCount; i++ {
		h.shards[i] = &shard{
			clients: make(map[string]map[*Client]struct{}),
		}
	}
	return h
}

func (h *ReadModelHub) getShard(userID string) *shard {
	f := fnv.New32a()
	f.Write([]byte(userID))
	return h.shards[f.Sum32()%shardCount]
}

func (h *ReadModelHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case client := <-h.register:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			if s.clients[client.UserID] == nil {
				s.clients[client.UserID] = make(map[*Client]struct{})
			}
			s.clients[client.UserID][client] = struct{}{}
			s.mu.Unlock()

		case client := <-h.unregister:
			s := h.getShard(client.UserID)
			s.mu.Lock()
			if conns, ok := s.clients[client.UserID]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					if len(conns) == 0 {
						delete(s.clients, client.UserID)
					}
					client.close()
				}
			}
			s.mu.Unlock()
		}
	}
}

// sharedFor 同一 (view, id) 的订阅共享上游
func (h *ReadModelHub) sharedFor(view, id string) *readmodel.Shared[any] {
	key := subscriptionKey(view, id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.shared[key]; ok {
		return s
	}
	s := readmodel.Share(func(ctx context.Context) <-chan readmodel.Resource[any] {
		ch, err := h.Views.Open(ctx, view, id)
		if err != nil {
			out := make(chan readmodel.Resource[any], 1)
			out <- readmodel.FromError[any](err)
			close(out)
			return out
		}
		return ch
	})
	h.shared[key] = s
	return s
}

// releaseShared 最后一个订阅者离开后移除共享流
func (h *ReadModelHub) releaseShared(view, id string) {
	key := subscriptionKey(view, id)
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.shared[key]; ok && s.Subscribers() == 0 {
		delete(h.shared, key)
	}
}

func (h *ReadModelHub) subscribe(c *Client, view, id string) error {
	if err := h.Views.Authorize(c.ctx, c.UserID, c.Role, view, id); err != nil {
		return err
	}

	key := subscriptionKey(view, id)
	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		return util.ErrSessionClosed
	}
	if _, dup := c.subs[key]; dup {
		c.mu.Unlock()
		return nil
	}

	ch, release := h.sharedFor(view, id).Subscribe(c.ctx)
	c.subs[key] = func() {
		release()
		h.releaseShared(view, id)
		monitoring.WSSubscriptions.Dec()
	}
	c.mu.Unlock()
	monitoring.WSSubscriptions.Inc()

	go func() {
		for r := range ch {
			r := r
			c.push(WSMessage{Type: MsgSnapshot, View: view, ID: id, Data: &r})
		}
	}()
	return nil
}

// Stop 关闭所有连接
func (h *ReadModelHub) Stop() {
	closed := 0
	for i := 0; i < shardCount; i++ {
		s := h.shards[i]
		s.mu.Lock()
		for userID, conns := range s.clients {
			for client := range conns {
				client.close()
				closed++
			}
			delete(s.clients, userID)
		}
		s.mu.Unlock()
	}
	logger.Log.Info("ReadModelHub stopped", zap.Int("closedConnections", closed))
}

func (h *ReadModelHub) Connections(userID string) int {
	s := h.getShard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[userID])
}

func ServeWs(hub *ReadModelHub, w http.ResponseWriter, r *http.Request, userID string, role model.UserRole) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Error("WebSocket upgrade failed", zap.Error(err), zap.String("userId", userID))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, 256),
		UserID:  userID,
		Role:    role,
		Limiter: rate.NewLimiter(rate.Limit(30), 50), // 每秒30条，允许突发50条
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]func()),
	}
	client.Hub.register <- client

	go client.writePump()
	go client.readPump()
}
