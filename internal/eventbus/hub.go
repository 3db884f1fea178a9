package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// 事件类型
const (
	TypeScoreChanged = "score_changed" // 积分入账或撤销
	TypeDeadLetter   = "dead_letter"   // 事件重试耗尽后被丢弃
	TypeRejected     = "rejected"      // 事件不可处理，已确认丢弃
)

type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscription struct {
	types map[string]struct{} // 为空表示订阅全部类型
}

func (s subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Hub 进程内广播：发布不阻塞，慢订阅者的事件被丢弃并计数
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]subscription
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]subscription)}
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch, sub := range h.subs {
		if !sub.wants(evt.Type) {
			continue
		}
		select {
		case ch <- evt:
		default:
			// 慢消费者直接丢弃，避免阻塞积分写入
			h.dropped.Add(1)
		}
	}
}

// Subscribe 订阅事件；types 为空时接收全部类型。ctx 结束后通道被关闭。
func (h *Hub) Subscribe(ctx context.Context, buffer int, types ...string) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	sub := subscription{}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[ch] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped 因订阅者缓冲已满而丢弃的事件数
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
