package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/platform/apperr"
	"apitracker/src/services/analytics"
	"apitracker/src/storage/activitylog"
)

const (
	EventConnected        = "connected"
	EventUsageDailyUpdate = "usage:daily:update"
	EventUsageTopUpdate   = "usage:top:update"

	defaultHeartbeatInterval = 30 * time.Second
	defaultSnapshotInterval  = 10 * time.Second

	snapshotDailyDays = 7
	snapshotTopHours  = 24
	snapshotTopLimit  = 3
)

type snapshotSource interface {
	Daily(ctx context.Context, days int) ([]activitylog.DailyUsageRow, error)
	Top(ctx context.Context, hours, limit int) ([]activitylog.TopCallerRow, error)
}

// Streamer serves one server-sent event stream per live subscriber: hub
// events as they arrive, a comment heartbeat, and periodic analytics
// snapshots for the channels the subscriber asked for.
type Streamer struct {
	hub       *Hub
	analytics snapshotSource
	logger    zerolog.Logger

	heartbeatInterval time.Duration
	snapshotInterval  time.Duration
}

type StreamerOptions struct {
	Hub       *Hub
	Analytics *analytics.Service
	Logger    zerolog.Logger
}

func NewStreamer(options StreamerOptions) *Streamer {
	return &Streamer{
		hub:               options.Hub,
		analytics:         options.Analytics,
		logger:            options.Logger,
		heartbeatInterval: defaultHeartbeatInterval,
		snapshotInterval:  defaultSnapshotInterval,
	}
}

// Serve runs the stream until the client disconnects. The subscriber joins
// the hub on entry and releases every membership on the way out.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, callerID, channel string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return apperr.New(apperr.KindInternal, "response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	subscriber := s.hub.Connect(callerID, channel)
	defer s.hub.Disconnect(subscriber)

	logger := s.logger.With().Str("caller_id", callerID).Str("channel", subscriber.Channel).Logger()
	logger.Info().Msg("live subscriber connected")
	defer logger.Info().Msg("live subscriber disconnected")

	if err := s.writeEvent(w, flusher, Event{Name: EventConnected, Payload: map[string]any{
		"caller_id": callerID,
		"channel":   subscriber.Channel,
		"timestamp": time.Now().UTC(),
	}}); err != nil {
		return err
	}

	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	snapshots := time.NewTicker(s.snapshotInterval)
	defer snapshots.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, open := <-subscriber.Events():
			if !open {
				return nil
			}
			if err := s.writeEvent(w, flusher, event); err != nil {
				return err
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": heartbeat %d\n\n", time.Now().UnixMilli()); err != nil {
				return err
			}
			flusher.Flush()

		case <-snapshots.C:
			if err := s.pushSnapshots(ctx, w, flusher, subscriber); err != nil {
				return err
			}
		}
	}
}

// pushSnapshots sends the current aggregates for the subscriber's focus.
// Analytics failures skip the push; the stream stays up.
func (s *Streamer) pushSnapshots(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, subscriber *Subscriber) error {
	if subscriber.WantsDaily() {
		rows, err := s.analytics.Daily(ctx, snapshotDailyDays)
		if err != nil {
			s.logger.Warn().Err(err).Msg("daily snapshot for live subscriber failed")
		} else if err := s.writeEvent(w, flusher, Event{Name: EventUsageDailyUpdate, Payload: rows}); err != nil {
			return err
		}
	}

	if subscriber.WantsTop() {
		rows, err := s.analytics.Top(ctx, snapshotTopHours, snapshotTopLimit)
		if err != nil {
			s.logger.Warn().Err(err).Msg("top snapshot for live subscriber failed")
		} else if err := s.writeEvent(w, flusher, Event{Name: EventUsageTopUpdate, Payload: rows}); err != nil {
			return err
		}
	}

	return nil
}

func (s *Streamer) writeEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode '%s' event: %w", event.Name, err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
