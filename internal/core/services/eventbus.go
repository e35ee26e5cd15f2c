package services

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/manthysbr/autopress/internal/core/domain"
)

// BroadcastChannel is the well-known topic that receives every event.
const BroadcastChannel = "__broadcast__"

type EventType string

const (
	EventTypeJobStatus    EventType = "job.status"
	EventTypeNotification EventType = "notification"
)

type Event struct {
	Topic     string
	Type      EventType
	Data      string // JSON payload
	Timestamp int64
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // Key: topic (job or workflow id)
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for a specific topic
func (b *EventBus) Subscribe(topic string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // Buffer to prevent blocking publisher
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[topic]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[topic] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}

	return ch, unsub
}

// SubscribeGlobal receives every published event regardless of topic.
func (b *EventBus) SubscribeGlobal() (<-chan Event, func()) {
	return b.Subscribe(BroadcastChannel)
}

// Publish sends an event to the topic subscribers and to global subscribers.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(e.Topic, e)
	if e.Topic != BroadcastChannel {
		b.deliver(BroadcastChannel, e)
	}
}

func (b *EventBus) deliver(topic string, e Event) {
	for _, ch := range b.subs[topic] {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking application
			b.logger.Warn("event bus channel full, dropping event", "topic", topic, "type", e.Type)
		}
	}
}

// Notify implements ports.Notifier. Workflow notifications are published
// under the workflow id, job notifications under the job id.
func (b *EventBus) Notify(n domain.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		b.logger.Error("failed to marshal notification", "type", n.Type, "error", err)
		return
	}

	topic := BroadcastChannel
	evtType := EventTypeNotification
	switch {
	case n.WorkflowID != "":
		topic = string(n.WorkflowID)
	case n.JobID != "":
		topic = string(n.JobID)
	}
	if n.Type == domain.NotifyJobStatus {
		evtType = EventTypeJobStatus
	}

	b.Publish(Event{
		Topic:     topic,
		Type:      evtType,
		Data:      string(payload),
		Timestamp: n.Timestamp.UnixMilli(),
	})
}

// DecodeNotification parses the payload of an event produced by Notify.
func DecodeNotification(e Event) (domain.Notification, error) {
	var n domain.Notification
	err := json.Unmarshal([]byte(e.Data), &n)
	return n, err
}
