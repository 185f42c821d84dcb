package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/storage/activitylog"
)

type fakeAnalytics struct {
	daily []activitylog.DailyUsageRow
	top   []activitylog.TopCallerRow
}

func (f *fakeAnalytics) Daily(_ context.Context, _ int) ([]activitylog.DailyUsageRow, error) {
	return f.daily, nil
}

func (f *fakeAnalytics) Top(_ context.Context, _, _ int) ([]activitylog.TopCallerRow, error) {
	return f.top, nil
}

func newTestStreamer(hub *Hub) *Streamer {
	return &Streamer{
		hub: hub,
		analytics: &fakeAnalytics{
			daily: []activitylog.DailyUsageRow{{CallerID: "CL-0123456789AB", Count: 3}},
			top:   []activitylog.TopCallerRow{{CallerID: "CL-0123456789AB", Count: 3}},
		},
		logger:            zerolog.Nop(),
		heartbeatInterval: 20 * time.Millisecond,
		snapshotInterval:  20 * time.Millisecond,
	}
}

func serveStream(t *testing.T, streamer *Streamer, hub *Hub, channel string, during func()) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/api/usage/stream", nil).WithContext(ctx)

	done := make(chan error, 1)
	go func() {
		done <- streamer.Serve(recorder, request, "CL-0123456789AB", channel)
	}()

	// wait for the subscriber to join before acting on the hub
	deadline := time.Now().Add(time.Second)
	for hub.RoomSize(RoomAllClients) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	during()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream did not terminate on context cancel")
	}

	return recorder.Body.String()
}

func TestStreamEmitsConnectedEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	streamer := newTestStreamer(hub)

	body := serveStream(t, streamer, hub, "daily", func() {})

	if !strings.Contains(body, "event: connected") {
		t.Errorf("no connected event in stream:\n%s", body)
	}
	if !strings.Contains(body, `"caller_id":"CL-0123456789AB"`) {
		t.Errorf("connected event missing caller id:\n%s", body)
	}
}

func TestStreamForwardsHubEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	streamer := newTestStreamer(hub)

	body := serveStream(t, streamer, hub, "logs", func() {
		hub.Broadcast(RoomLogs, Event{Name: EventLogNew, Payload: testLogEvent()})
		time.Sleep(50 * time.Millisecond)
	})

	if !strings.Contains(body, "event: log:new") {
		t.Errorf("hub event not forwarded:\n%s", body)
	}
}

func TestStreamHeartbeatAndSnapshots(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	streamer := newTestStreamer(hub)

	body := serveStream(t, streamer, hub, "all", func() {
		time.Sleep(80 * time.Millisecond)
	})

	if !strings.Contains(body, ": heartbeat ") {
		t.Errorf("no heartbeat comment in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: usage:daily:update") {
		t.Errorf("no daily snapshot in stream:\n%s", body)
	}
	if !strings.Contains(body, "event: usage:top:update") {
		t.Errorf("no top snapshot in stream:\n%s", body)
	}
}

func TestStreamSnapshotRespectsFocus(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	streamer := newTestStreamer(hub)

	body := serveStream(t, streamer, hub, "top", func() {
		time.Sleep(80 * time.Millisecond)
	})

	if strings.Contains(body, "event: usage:daily:update") {
		t.Errorf("'top' subscriber received daily snapshots:\n%s", body)
	}
	if !strings.Contains(body, "event: usage:top:update") {
		t.Errorf("'top' subscriber missing top snapshots:\n%s", body)
	}
}

func TestStreamReleasesSubscriberOnExit(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	streamer := newTestStreamer(hub)

	serveStream(t, streamer, hub, "all", func() {})

	if hub.RoomSize(RoomAllClients) != 0 {
		t.Error("subscriber membership leaked after stream ended")
	}
}
