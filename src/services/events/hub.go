// Package events is the real-time side of the tracker: activity events are
// published through the KV pub/sub layer, fanned out to in-process rooms and
// streamed to live subscribers over SSE.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
	"apitracker/src/platform/metrics"
)

const (
	// RoomAllClients holds every connected subscriber.
	RoomAllClients = "all-clients"
	// RoomLogs receives every activity event.
	RoomLogs = "logs"

	callerRoomPrefix = "client:"

	subscriberBacklog = 64
)

// Subscribable channels a live subscriber may join and leave at will.
var subscribableChannels = map[string]struct{}{
	"usage:daily": {},
	"usage:top":   {},
	RoomLogs:      {},
}

// Event is one named message delivered to a subscriber.
type Event struct {
	Name    string
	Payload any
}

// Subscriber is one connected live client. Events arrive on a buffered
// channel; a subscriber that cannot keep up has events dropped rather than
// stalling the fan-out.
type Subscriber struct {
	CallerID string
	// Channel is the focus requested at connect time ("all", "daily", "top"
	// or "logs"); it drives the periodic snapshot pushes.
	Channel string

	events chan Event
	closed bool
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

func (s *Subscriber) WantsDaily() bool {
	return s.Channel == "all" || s.Channel == "daily"
}

func (s *Subscriber) WantsTop() bool {
	return s.Channel == "all" || s.Channel == "top"
}

// Hub tracks room memberships and delivers events to every member of a room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscriber]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Connect registers a subscriber and joins it to the all-clients room and its
// caller-specific room.
func (h *Hub) Connect(callerID, channel string) *Subscriber {
	if channel == "" {
		channel = "all"
	}

	subscriber := &Subscriber{
		CallerID: callerID,
		Channel:  channel,
		events:   make(chan Event, subscriberBacklog),
	}

	h.mu.Lock()
	h.join(subscriber, RoomAllClients)
	h.join(subscriber, callerRoomPrefix+callerID)
	if channel == "all" || channel == RoomLogs {
		h.join(subscriber, RoomLogs)
	}
	h.mu.Unlock()

	metrics.LiveSubscribers.Inc()
	return subscriber
}

// Disconnect releases every membership and closes the event channel.
func (h *Hub) Disconnect(subscriber *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subscriber.closed {
		return
	}
	subscriber.closed = true

	for room, members := range h.rooms {
		if _, member := members[subscriber]; member {
			h.leave(subscriber, room)
		}
	}
	close(subscriber.events)
	metrics.LiveSubscribers.Dec()
}

// Subscribe joins one of the subscribable channels.
func (h *Hub) Subscribe(subscriber *Subscriber, channel string) error {
	if _, known := subscribableChannels[channel]; !known {
		return apperr.Newf(apperr.KindValidation, "unknown channel '%s'", channel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if subscriber.closed {
		return apperr.New(apperr.KindValidation, "subscriber is disconnected")
	}
	h.join(subscriber, channel)
	return nil
}

func (h *Hub) Unsubscribe(subscriber *Subscriber, channel string) error {
	if _, known := subscribableChannels[channel]; !known {
		return apperr.Newf(apperr.KindValidation, "unknown channel '%s'", channel)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(subscriber, channel)
	return nil
}

// Broadcast delivers the event to every member of the room. Delivery is
// non-blocking: a full subscriber backlog drops the event for that subscriber
// only.
func (h *Hub) Broadcast(room string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for subscriber := range h.rooms[room] {
		select {
		case subscriber.events <- event:
		default:
			h.logger.Warn().
				Str("caller_id", subscriber.CallerID).
				Str("room", room).
				Msgf("subscriber backlog full, dropped '%s' event", event.Name)
		}
	}
}

// BroadcastToCaller targets the caller-specific room.
func (h *Hub) BroadcastToCaller(callerID string, event Event) {
	h.Broadcast(callerRoomPrefix+callerID, event)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// join and leave require h.mu held exclusively.
func (h *Hub) join(subscriber *Subscriber, room string) {
	members, found := h.rooms[room]
	if !found {
		members = make(map[*Subscriber]struct{})
		h.rooms[room] = members
	}
	members[subscriber] = struct{}{}
}

func (h *Hub) leave(subscriber *Subscriber, room string) {
	members, found := h.rooms[room]
	if !found {
		return
	}
	delete(members, subscriber)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}
