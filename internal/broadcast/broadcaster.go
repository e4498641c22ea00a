// Package broadcast 实现会话事件的发布/订阅扇出。
// 广播器对正确性没有任何权威：投递是尽力而为、每订阅者至多一次，
// 发布路径永远不会因为订阅者迟缓而阻塞。
package broadcast

import (
	"sync"
	"time"
)

// Wildcard 订阅所有会话的事件。
const Wildcard = "*"

// 事件类型。
const (
	EventSessionCreated    = "session_created"
	EventChunkReceived     = "chunk_received"
	EventSessionProcessing = "session_processing"
	EventSessionCompleted  = "session_completed"
	EventSessionFailed     = "session_failed"
	EventSessionCancelled  = "session_cancelled"
	EventSessionExpired    = "session_expired"
)

// Event 是一次会话状态变化的对外快照。
type Event struct {
	SessionID      string `json:"sessionId"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	UploadedChunks int    `json:"uploadedChunks"`
	TotalChunks    int    `json:"totalChunks"`
	Timestamp      int64  `json:"timestamp"` // Unix 毫秒
}

// subscriberBuffer 每个订阅者的事件缓冲大小，写满后新事件被丢弃。
const subscriberBuffer = 64

// Subscriber 是一个已注册的事件接收方。
type Subscriber struct {
	topic string
	ch    chan Event
}

// Events 返回只读事件通道。订阅被取消后通道会被关闭。
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster 按会话 ID（或通配符）扇出事件。
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // key: topic
}

// NewBroadcaster 创建一个空的广播器。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe 注册对某个会话 ID（或 Wildcard）的订阅。
func (b *Broadcaster) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		topic: topic,
		ch:    make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub
}

// Unsubscribe 取消订阅并关闭其事件通道。重复调用是安全的。
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
	close(sub.ch)
}

// Publish 把事件投递给该会话的订阅者与通配符订阅者。
// 缓冲已满的订阅者直接丢事件，由其通过状态查询接口自行补齐。
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, topic := range []string{ev.SessionID, Wildcard} {
		for sub := range b.subs[topic] {
			select {
			case sub.ch <- ev:
			default:
				// 丢弃：订阅者掉队不允许拖慢管道
			}
		}
	}
}
