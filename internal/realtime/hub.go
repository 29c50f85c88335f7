// Package realtime is the room-scoped fan-out bus. Connected clients
// subscribe to a room keyed by group id; mutations publish small events that
// tell subscribers what to refetch. Delivery is best-effort with no replay:
// a client that was disconnected resynchronizes by refetching state, not by
// receiving missed events.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event kinds. group-update and content-update carry only the group id,
// forcing subscribers to refetch canonical state; chat-message carries the
// full message.
const (
	KindGroupUpdate   = "group-update"
	KindContentUpdate = "content-update"
	KindChatMessage   = "chat-message"
)

const roomChannelPrefix = "frizzle:room:"

// Event is one fan-out notification within a room.
type Event struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is one connection's membership in a room. Events arrive on
// Events() until Close.
type Subscription struct {
	hub    *Hub
	room   string
	events chan Event
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub is the process-wide publisher, constructed once in main and handed to
// the services that publish through it. With a Redis client it bridges
// publishes through pub/sub channels so every API process fans out to its own
// local subscribers; without one it delivers in-process only.
type Hub struct {
	client *redis.Client

	mu     sync.Mutex
	rooms  map[string]map[*Subscription]struct{}
	closed bool

	pubsub *redis.PubSub
	done   chan struct{}
}

func NewHub(client *redis.Client) *Hub {
	return &Hub{
		client: client,
		rooms:  make(map[string]map[*Subscription]struct{}),
		done:   make(chan struct{}),
	}
}

// Run consumes the Redis subscription until ctx is cancelled. It is a no-op
// without a Redis client.
func (h *Hub) Run(ctx context.Context) {
	if h.client == nil {
		close(h.done)
		return
	}
	h.pubsub = h.client.PSubscribe(ctx, roomChannelPrefix+"*")
	go func() {
		defer close(h.done)
		channel := h.pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-channel:
				if !ok {
					return
				}
				room := strings.TrimPrefix(message.Channel, roomChannelPrefix)
				var event Event
				if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
					slog.Warn("realtime: drop malformed event", "room", room, "error", err)
					continue
				}
				h.deliver(room, event)
			}
		}
	}()
}

// Shutdown stops the Redis consumer and closes every subscription.
func (h *Hub) Shutdown() {
	if h.pubsub != nil {
		_ = h.pubsub.Close()
	}
	<-h.done

	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0)
	for _, room := range h.rooms {
		for sub := range room {
			subs = append(subs, sub)
		}
	}
	h.rooms = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.events)
	}
}

// Publish sends an event to every current subscriber of the room. Callers
// treat failures as fire-and-forget: a lost notification never fails the
// mutation that triggered it.
func (h *Hub) Publish(ctx context.Context, room, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	event := Event{Kind: kind, Payload: raw}

	if h.client == nil {
		h.deliver(room, event)
		return nil
	}

	envelope, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, roomChannelPrefix+room, envelope).Err(); err != nil {
		return fmt.Errorf("publish to room %s: %w", room, err)
	}
	return nil
}

// Subscribe registers a connection with a room. The bus does no authorization
// here; membership was checked by whoever accepted the connection.
func (h *Hub) Subscribe(room string) *Subscription {
	sub := &Subscription{
		hub:    h,
		room:   room,
		events: make(chan Event, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.events)
		return sub
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Subscription]struct{})
	}
	h.rooms[room][sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if room, ok := h.rooms[sub.room]; ok {
		if _, member := room[sub]; member {
			delete(room, sub)
			close(sub.events)
		}
		if len(room) == 0 {
			delete(h.rooms, sub.room)
		}
	}
}

func (h *Hub) deliver(room string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.rooms[room] {
		select {
		case sub.events <- event:
		default:
			// Slow consumer; the client refetches on reconnect.
			slog.Warn("realtime: drop event for slow subscriber", "room", room, "kind", event.Kind)
		}
	}
}
