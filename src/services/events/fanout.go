package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/clients/redis"
	"apitracker/src/platform/metrics"
)

// ChannelLogNew is the pub/sub channel carrying freshly ingested activity.
const ChannelLogNew = "api:log:new"

// EventLogNew is the name under which activity reaches live subscribers.
const EventLogNew = "log:new"

// publishTimeout bounds a detached publish task.
const publishTimeout = 5 * time.Second

// LogEvent is the wire form of one activity record on the pub/sub channel.
type LogEvent struct {
	CallerID  string    `json:"caller_id"`
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Status    int       `json:"status"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

type pubSubKV interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error)
}

// Fanout bridges the KV pub/sub channel and the in-process hub. Publishing
// goes through the KV store so every replica sees every event, whichever
// replica ingested it.
type Fanout struct {
	kv     pubSubKV
	hub    *Hub
	logger zerolog.Logger

	cancel func()
}

type FanoutOptions struct {
	KV     *redis.Client
	Hub    *Hub
	Logger zerolog.Logger
}

func NewFanout(options FanoutOptions) *Fanout {
	return &Fanout{
		kv:     options.KV,
		hub:    options.Hub,
		logger: options.Logger,
	}
}

// Start opens the subscription feeding the hub.
func (f *Fanout) Start(ctx context.Context) error {
	if f.cancel != nil {
		return fmt.Errorf("event fan-out already started")
	}

	cancel, err := f.kv.Subscribe(ctx, ChannelLogNew, f.dispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", ChannelLogNew, err)
	}
	f.cancel = cancel
	return nil
}

func (f *Fanout) Stop(_ context.Context) {
	if f.cancel == nil {
		return
	}
	f.cancel()
	f.cancel = nil
}

// PublishLogEvent is fire-and-forget: the publish runs as a spawned task on
// its own deadline, so the ingestion response never waits on the pub/sub
// round trip. Failures are logged and otherwise ignored.
func (f *Fanout) PublishLogEvent(event LogEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to encode activity event")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := f.kv.Publish(ctx, ChannelLogNew, payload); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish activity event")
			return
		}
		metrics.EventsPublished.Inc()
	}()
}

// dispatch fans one received message out to the logs room and the caller's
// own room, preserving the pub/sub delivery order.
func (f *Fanout) dispatch(payload []byte) {
	var event LogEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		f.logger.Warn().Err(err).Msg("discarding undecodable activity event")
		return
	}

	f.hub.Broadcast(RoomLogs, Event{Name: EventLogNew, Payload: event})
	f.hub.BroadcastToCaller(event.CallerID, Event{Name: EventLogNew, Payload: event})
}
