package websocket

import (
	"encoding/json"

	"github.com/wfunc/bill-acceptor/internal/courier"
	"go.uber.org/zap"
)

// EventBridge 把纸币器事件转发给所有WebSocket客户端。
// 在轮询协程中被调用，不能阻塞
type EventBridge struct {
	hub    *Hub
	logger *zap.Logger
}

// NewEventBridge 创建事件桥
func NewEventBridge(hub *Hub) *EventBridge {
	return &EventBridge{hub: hub, logger: hub.logger}
}

// OnEvent 实现 courier.Listener
func (b *EventBridge) OnEvent(e courier.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("序列化事件失败", zap.String("type", e.Type()), zap.Error(err))
		return
	}

	msg := &Message{
		Type:      e.Type(),
		Data:      data,
		Timestamp: e.Time().UnixMilli(),
	}
	if err := b.hub.Broadcast(msg); err != nil {
		b.logger.Debug("事件推送失败", zap.String("type", e.Type()), zap.Error(err))
	}
}
