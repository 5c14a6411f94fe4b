package websocket

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	apperrors "github.com/wfunc/bill-acceptor/internal/errors"
	"go.uber.org/zap"
)

// 错误定义，按错误码匹配（errors.Is）
var (
	ErrClientNotFound = apperrors.New(apperrors.ErrWebSocketClosed)
	ErrSendBufferFull = apperrors.New(apperrors.ErrWebSocketSend)
)

// Client WebSocket客户端
type Client struct {
	ID       string          // 客户端ID
	Operator string          // 操作员，未认证时为空
	Hub      *Hub            // Hub引用
	Conn     *websocket.Conn // WebSocket连接
	Send     chan []byte     // 发送通道
}

// NewClient 创建新客户端
func NewClient(hub *Hub, conn *websocket.Conn, operator string) *Client {
	return &Client{
		ID:       uuid.New().String(),
		Operator: operator,
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, hub.opts.SendBufferSize),
	}
}

// ReadPump 读取客户端消息
func (c *Client) ReadPump() {
	opts := c.Hub.opts
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket读取错误",
					zap.String("client_id", c.ID),
					zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump 写入消息并定时发送ping
func (c *Client) WritePump() {
	opts := c.Hub.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if !ok {
				// Hub关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理客户端消息，只支持ping和状态查询
func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Hub.logger.Warn("无效的WebSocket消息", zap.String("client_id", c.ID), zap.Error(err))
		c.sendError(apperrors.Wrap(err, apperrors.ErrMessageFormat))
		return
	}
	if msg.Type == "" {
		c.sendError(apperrors.New(apperrors.ErrMessageFormat, "缺少type字段"))
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.Hub.SendToClient(c.ID, NewMessage(MessageTypePong, nil))

	case MessageTypeStatus:
		if c.Hub.status == nil {
			c.sendError(apperrors.New(apperrors.ErrNotFound, "状态不可用"))
			return
		}
		c.Hub.SendToClient(c.ID, NewMessage(MessageTypeStatus, c.Hub.status()))

	default:
		c.sendError(apperrors.Newf(apperrors.ErrMessageFormat, "不支持的消息类型: %s", msg.Type))
	}
}

func (c *Client) sendError(err *apperrors.AppError) {
	c.Hub.SendToClient(c.ID, NewMessage(MessageTypeError, map[string]interface{}{
		"code":  err.Code,
		"error": err.Error(),
	}))
}
