package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wfunc/bill-acceptor/internal/config"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"go.uber.org/zap"
)

// Message 推送给客户端的消息
type Message struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // 毫秒
}

// 系统消息类型
const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
	MessageTypeStatus    = "status"
	MessageTypeError     = "error"
)

// Options 连接参数
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageSize  int64
}

// OptionsFromConfig 由配置生成连接参数
func OptionsFromConfig(cfg config.WebSocketConfig) Options {
	return Options{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		PingInterval:    cfg.PingInterval,
		PongTimeout:     cfg.PongTimeout,
		WriteTimeout:    cfg.WriteTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = 1024
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = 256
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 60 * time.Second
	}
	// ping周期必须小于pong超时
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4 * 1024
	}
	return o
}

// StatusFunc 客户端请求状态时返回的数据
type StatusFunc func() interface{}

// Hub WebSocket连接管理中心
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger

	clients   map[string]*Client
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	status StatusFunc
}

// NewHub 创建Hub
func NewHub(opts Options, logger *zap.Logger) *Hub {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger:     logger,
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// SetStatusProvider 设置状态查询回调
func (h *Hub) SetStatusProvider(fn StatusFunc) {
	h.status = fn
}

// Run 运行Hub，ctx取消后断开所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case data := <-h.broadcast:
			h.broadcastData(data)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.clientsMu.Lock()
	h.clients[client.ID] = client
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端连接",
		zap.String("client_id", client.ID),
		zap.String("operator", client.Operator))

	h.SendToClient(client.ID, NewMessage(MessageTypeConnected, map[string]string{"client_id": client.ID}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[client.ID]; ok {
		delete(h.clients, client.ID)
		close(client.Send)
	}
	h.clientsMu.Unlock()

	h.logger.Info("WebSocket客户端断开", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.Send)
	}
}

func (h *Hub) broadcastData(data []byte) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn("客户端发送缓冲区满", zap.String("client_id", client.ID))
		}
	}
}

// Broadcast 广播消息，不阻塞调用方；广播队列满时丢弃
func (h *Hub) Broadcast(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
		return nil
	default:
		h.logger.Warn("广播队列已满，丢弃消息", zap.String("type", message.Type))
		return apperrors.New(apperrors.ErrWebSocketSend, "广播队列已满")
	}
}

// SendToClient 发送消息给指定客户端
func (h *Hub) SendToClient(clientID string, message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return apperrors.Newf(apperrors.ErrWebSocketClosed, "客户端 %s 未找到", clientID)
	}

	select {
	case client.Send <- data:
		return nil
	default:
		return apperrors.Newf(apperrors.ErrWebSocketSend, "客户端 %s 发送缓冲区已满", clientID)
	}
}

// ClientCount 在线客户端数量
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Register 注册客户端
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Serve 升级HTTP连接并启动读写协程
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, operator string) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.Error(err))
		return nil, err
	}

	client := NewClient(h, conn, operator)
	h.Register(client)

	go client.WritePump()
	go client.ReadPump()
	return client, nil
}

// NewMessage 构造消息，data序列化失败时不带数据
func NewMessage(msgType string, data interface{}) *Message {
	msg := &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			msg.Data = raw
		}
	}
	return msg
}
