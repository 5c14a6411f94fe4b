package courier

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Listener 事件监听者
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc 函数形式的监听者
type ListenerFunc func(Event)

// OnEvent 调用函数本身
func (f ListenerFunc) OnEvent(e Event) { f(e) }

// ListenerID 订阅句柄，用于取消订阅
type ListenerID uint64

type subscription struct {
	id       ListenerID
	listener Listener
}

// Registry 监听者注册表。
// 写时复制：订阅/取消订阅替换整个切片，分发只读取当前快照，无需持锁。
type Registry struct {
	mu     sync.Mutex
	nextID ListenerID
	subs   atomic.Pointer[[]subscription]
	logger *zap.Logger
}

// NewRegistry 创建注册表
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{logger: log}
	r.subs.Store(&[]subscription{})
	return r
}

// Subscribe 添加监听者
func (r *Registry) Subscribe(l Listener) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	old := *r.subs.Load()
	next := make([]subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscription{id: id, listener: l})
	r.subs.Store(&next)
	return id
}

// Unsubscribe 移除监听者，返回是否存在
func (r *Registry) Unsubscribe(id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.subs.Load()
	next := make([]subscription, 0, len(old))
	found := false
	for _, s := range old {
		if s.id == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if found {
		r.subs.Store(&next)
	}
	return found
}

// UnsubscribeAll 移除全部监听者
func (r *Registry) UnsubscribeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs.Store(&[]subscription{})
}

// Len 当前监听者数量
func (r *Registry) Len() int {
	return len(*r.subs.Load())
}

// Dispatch 把事件依次交给每个监听者，单个监听者panic不影响其余监听者
func (r *Registry) Dispatch(e Event) {
	for _, s := range *r.subs.Load() {
		r.deliver(s, e)
	}
}

func (r *Registry) deliver(s subscription, e Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("监听者处理事件时panic",
				zap.Uint64("listener", uint64(s.id)),
				zap.String("event", e.Type()),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	s.listener.OnEvent(e)
}
