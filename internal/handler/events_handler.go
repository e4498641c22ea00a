package handler

import (
	"net/http"
	"time"

	"retro-ingest-go/internal/broadcast"
	"retro-ingest-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// EventsHandler 通过 WebSocket 向客户端推送会话进度事件。
type EventsHandler struct {
	broadcaster *broadcast.Broadcaster
}

// NewEventsHandler 创建一个新的 EventsHandler 实例。
func NewEventsHandler(broadcaster *broadcast.Broadcaster) *EventsHandler {
	return &EventsHandler{broadcaster: broadcaster}
}

// SessionEvents 订阅单个会话的进度事件；路径参数为 "all" 时订阅全部会话。
func (h *EventsHandler) SessionEvents(c *gin.Context) {
	topic := c.Param("id")
	if topic == "all" {
		topic = broadcast.Wildcard
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[SessionEvents] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(topic)
	defer h.broadcaster.Unsubscribe(sub)
	log.Infof("[SessionEvents] 新的事件订阅, topic: %s, remote: %s", topic, conn.RemoteAddr())

	// 读循环只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("[SessionEvents] 推送事件失败, topic: %s, error: %v", topic, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
