// Package fanout distributes settled calls to live feed subscribers.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/olebedev/emitter"
)

// TopicPrefix prefixes every API topic.
const TopicPrefix = "api."

// TopicFor returns the topic an API's calls are published on.
func TopicFor(apiID string) string {
	return TopicPrefix + apiID
}

// Hub manages topics and subscribers for the call feed.
type Hub struct {
	emitter           *emitter.Emitter
	topics            map[string]*Topic
	mu                sync.RWMutex
	bufferSize        int
	slowThreshold     int
	zombieTimeout     time.Duration
	activeSubscribers atomic.Int64
	droppedMessages   atomic.Int64
	slowDisconnects   atomic.Int64
}

// Topic represents a single API's subscriber list.
type Topic struct {
	name        string
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	lastUpdate  atomic.Int64
}

// Subscriber represents a downstream feed client.
type Subscriber struct {
	ID          string
	ConsumerID  string
	SendChan    chan *models.CallAuditRecord
	ConnectTime time.Time
	Dropped     atomic.Int64

	lastSend atomic.Int64
	mu       sync.Mutex
	closed   bool
}

// LastSend is when the subscriber last accepted a record.
func (s *Subscriber) LastSend() time.Time {
	return time.Unix(0, s.lastSend.Load())
}

// send delivers rec without blocking. It reports false when the buffer is full.
func (s *Subscriber) send(rec *models.CallAuditRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}
	select {
	case s.SendChan <- rec:
		s.lastSend.Store(time.Now().UnixNano())
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.SendChan)
	return true
}

// NewHub creates a new fanout hub.
func NewHub(bufferSize, slowThreshold int, zombieTimeout time.Duration) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Hub{
		emitter:       emitter.New(uint(bufferSize)),
		topics:        make(map[string]*Topic),
		bufferSize:    bufferSize,
		slowThreshold: slowThreshold,
		zombieTimeout: zombieTimeout,
	}
}

// Subscribe adds a subscriber to an API's topic.
func (h *Hub) Subscribe(apiID string, sub *Subscriber) {
	name := TopicFor(apiID)

	h.mu.Lock()
	topic, ok := h.topics[name]
	if !ok {
		topic = &Topic{
			name:        name,
			subscribers: make(map[string]*Subscriber),
		}
		h.topics[name] = topic
	}
	h.mu.Unlock()

	topic.mu.Lock()
	topic.subscribers[sub.ID] = sub
	topic.mu.Unlock()

	h.activeSubscribers.Add(1)
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(apiID, subID string) {
	h.mu.RLock()
	topic, ok := h.topics[TopicFor(apiID)]
	h.mu.RUnlock()

	if !ok {
		return
	}

	topic.mu.Lock()
	sub, exists := topic.subscribers[subID]
	if exists {
		delete(topic.subscribers, subID)
	}
	topic.mu.Unlock()

	if exists && sub.close() {
		h.activeSubscribers.Add(-1)
	}
}

// Publish sends a settled call to every subscriber of its API.
func (h *Hub) Publish(rec *models.CallAuditRecord) {
	name := TopicFor(rec.APIID)

	h.mu.RLock()
	topic, ok := h.topics[name]
	h.mu.RUnlock()

	if ok {
		topic.lastUpdate.Store(time.Now().UnixNano())

		topic.mu.RLock()
		subscribers := make([]*Subscriber, 0, len(topic.subscribers))
		for _, sub := range topic.subscribers {
			subscribers = append(subscribers, sub)
		}
		topic.mu.RUnlock()

		for _, sub := range subscribers {
			if sub.send(rec) {
				continue
			}
			sub.Dropped.Add(1)
			h.droppedMessages.Add(1)

			if sub.Dropped.Load() > int64(h.slowThreshold) {
				h.slowDisconnects.Add(1)
				h.Unsubscribe(rec.APIID, sub.ID)
			}
		}
	}

	// Also emit via emitter for additional handlers
	h.emitter.Emit(name, rec)
}

// GetTopicStats returns statistics for an API's topic.
func (h *Hub) GetTopicStats(apiID string) (subscriberCount int, lastUpdate time.Time) {
	h.mu.RLock()
	topic, ok := h.topics[TopicFor(apiID)]
	h.mu.RUnlock()

	if !ok {
		return 0, time.Time{}
	}

	topic.mu.RLock()
	defer topic.mu.RUnlock()

	if ns := topic.lastUpdate.Load(); ns > 0 {
		lastUpdate = time.Unix(0, ns)
	}
	return len(topic.subscribers), lastUpdate
}

// CleanupZombies disconnects subscribers whose buffer is full and that
// accepted nothing within the zombie timeout.
func (h *Hub) CleanupZombies() int {
	h.mu.RLock()
	topics := make([]*Topic, 0, len(h.topics))
	for _, topic := range h.topics {
		topics = append(topics, topic)
	}
	h.mu.RUnlock()

	now := time.Now()
	removed := 0
	for _, topic := range topics {
		var stale []*Subscriber

		topic.mu.Lock()
		for subID, sub := range topic.subscribers {
			if len(sub.SendChan) == cap(sub.SendChan) && now.Sub(sub.LastSend()) > h.zombieTimeout {
				delete(topic.subscribers, subID)
				stale = append(stale, sub)
			}
		}
		topic.mu.Unlock()

		for _, sub := range stale {
			if sub.close() {
				h.activeSubscribers.Add(-1)
				removed++
			}
		}
	}
	return removed
}

// Stats returns hub statistics.
type Stats struct {
	ActiveTopics      int   `json:"active_topics"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	DroppedMessages   int64 `json:"dropped_messages"`
	SlowDisconnects   int64 `json:"slow_disconnects"`
}

// GetStats returns current hub statistics.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	topicCount := len(h.topics)
	h.mu.RUnlock()

	return Stats{
		ActiveTopics:      topicCount,
		ActiveSubscribers: h.activeSubscribers.Load(),
		DroppedMessages:   h.droppedMessages.Load(),
		SlowDisconnects:   h.slowDisconnects.Load(),
	}
}

// On registers a handler for events on a pattern such as "api.*".
// Returns a channel that receives events matching the pattern.
func (h *Hub) On(pattern string) <-chan emitter.Event {
	return h.emitter.On(pattern)
}

// Off removes a handler for events on a pattern.
func (h *Hub) Off(pattern string, ch <-chan emitter.Event) {
	h.emitter.Off(pattern, ch)
}

// CreateSubscriber creates a new subscriber instance.
func (h *Hub) CreateSubscriber(id, consumerID string) *Subscriber {
	sub := &Subscriber{
		ID:          id,
		ConsumerID:  consumerID,
		SendChan:    make(chan *models.CallAuditRecord, h.bufferSize),
		ConnectTime: time.Now(),
	}
	sub.lastSend.Store(sub.ConnectTime.UnixNano())
	return sub
}
