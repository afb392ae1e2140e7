// Package events fans out-of-band turn outcomes to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/wechatbot/internal/bot"
	"github.com/ent0n29/wechatbot/internal/policy"
	"github.com/ent0n29/wechatbot/internal/protocol"
)

const subscriberBuffer = 32

// Hub implements bot.Observer. Every event is logged; connected subscribers
// also receive it unless their buffer is full, in which case it is dropped
// for that subscriber.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	userID string
	ch     chan protocol.TurnEvent
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]*subscriber),
	}
}

func (h *Hub) OnError(userID string, msg bot.Message, err error) {
	detail := ""
	if err != nil {
		detail, _ = policy.RedactPII(err.Error())
	}
	h.logger.Error("turn failed",
		"user_id", policy.MaskID(userID),
		"msg_id", msg.ID,
		"err", detail,
	)
	h.publish(protocol.TurnEvent{
		Type:   protocol.TypeError,
		UserID: userID,
		MsgID:  msg.ID,
		Detail: detail,
		TSMs:   h.now().UnixMilli(),
	})
}

func (h *Hub) OnQuit(userID string, msg bot.Message) {
	h.logger.Info("conversation ended by user",
		"user_id", policy.MaskID(userID),
		"msg_id", msg.ID,
	)
	h.publish(protocol.TurnEvent{
		Type:   protocol.TypeQuit,
		UserID: userID,
		MsgID:  msg.ID,
		TSMs:   h.now().UnixMilli(),
	})
}

// Subscribe registers a listener. userID filters to one user; empty means all.
// The returned cancel func closes the channel and must be called once.
func (h *Hub) Subscribe(userID string) (<-chan protocol.TurnEvent, func()) {
	sub := &subscriber{userID: userID, ch: make(chan protocol.TurnEvent, subscriberBuffer)}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers returns the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) publish(ev protocol.TurnEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("event subscriber full, dropping event", "type", ev.Type)
		}
	}
}
