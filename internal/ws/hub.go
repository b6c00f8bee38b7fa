package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AlbertoSB-Dev/deploy-manager-sub002/internal/domain"
)

// ErrBufferFull is returned by Send when a subscriber cannot accept more
// events. The event is dropped for that subscriber only.
var ErrBufferFull = errors.New("ws: subscriber buffer full")

// Subscriber abstracts a streaming client. Send must not block.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans events out to subscribers by topic. Delivery is at-most-once and
// subscribers only receive events published after they registered.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
	log       *slog.Logger
}

// message couples payload with topic.
type message struct {
	topic   string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	topic  string
	client Subscriber
	ack    chan struct{}
}

// NewHub creates an initialized Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		done:      make(chan struct{}),
		log:       logger,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			h.clients = nil
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.topic]; !ok {
				h.clients[sub.topic] = make(map[Subscriber]struct{})
			}
			h.clients[sub.topic][sub.client] = struct{}{}
			close(sub.ack)
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.topic]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.topic)
				}
			}
			close(sub.ack)
		case msg := <-h.broadcast:
			clients, ok := h.clients[msg.topic]
			if !ok {
				continue
			}
			for c := range clients {
				err := c.Send(msg.payload)
				switch {
				case err == nil:
				case errors.Is(err, ErrBufferFull):
					h.dropped.Add(1)
				default:
					c.Close()
					delete(clients, c)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, msg.topic)
			}
		}
	}
}

// Register adds a client to a topic. It returns once the client is
// subscribed, so every later Publish reaches it.
func (h *Hub) Register(topic string, client Subscriber) {
	ack := make(chan struct{})
	select {
	case h.register <- subscription{topic: topic, client: client, ack: ack}:
		<-ack
	case <-h.done:
		client.Close()
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	ack := make(chan struct{})
	select {
	case h.unreg <- subscription{topic: topic, client: client, ack: ack}:
		<-ack
	case <-h.done:
	}
}

// Broadcast sends payload to all topic clients.
func (h *Hub) Broadcast(topic string, payload []byte) {
	select {
	case h.broadcast <- message{topic: topic, payload: payload}:
	case <-h.done:
	}
}

// Publish stamps and encodes an event and broadcasts it on topic.
func (h *Hub) Publish(topic string, event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Topic = topic
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("encode event failed", "topic", topic, "error", err)
		return
	}
	h.Broadcast(topic, payload)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// too slow.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops the hub and closes every subscriber.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
