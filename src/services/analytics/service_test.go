package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"apitracker/src/storage/activitylog"
)

type fakeStore struct {
	daily      map[string][]activitylog.DailyUsageRow
	top        []activitylog.TopCallerRow
	dailyErr   error
	topErr     error
	dailyCalls int
	topCalls   int
}

func (f *fakeStore) DailyUsage(_ context.Context, callerID string, _ int) ([]activitylog.DailyUsageRow, error) {
	f.dailyCalls++
	if f.dailyErr != nil {
		return nil, f.dailyErr
	}
	return f.daily[callerID], nil
}

func (f *fakeStore) TopCallers(_ context.Context, _, _ int) ([]activitylog.TopCallerRow, error) {
	f.topCalls++
	if f.topErr != nil {
		return nil, f.topErr
	}
	return f.top, nil
}

type fakeDirectory struct {
	ids []string
	err error
}

func (f *fakeDirectory) ListActiveIDs(_ context.Context) ([]string, error) {
	return f.ids, f.err
}

func newTestService(kv *fakeKV, store *fakeStore, directory *fakeDirectory) *Service {
	return &Service{
		kv:       kv,
		store:    store,
		callers:  directory,
		tracker:  newTestTracker(kv),
		logger:   zerolog.Nop(),
		version:  "v1",
		dailyTTL: time.Hour,
		topTTL:   time.Hour,
	}
}

func day(offset int) time.Time {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
}

func TestDailyCacheMissQueriesAndFills(t *testing.T) {
	kv := newFakeKV()
	store := &fakeStore{daily: map[string][]activitylog.DailyUsageRow{
		"CL-AAAAAAAAAAAA": {{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 5}},
		"CL-BBBBBBBBBBBB": {{CallerID: "CL-BBBBBBBBBBBB", Date: day(1), Count: 2}},
	}}
	directory := &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA", "CL-BBBBBBBBBBBB"}}
	service := newTestService(kv, store, directory)

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// newest date first
	if rows[0].CallerID != "CL-BBBBBBBBBBBB" {
		t.Errorf("rows not sorted by date descending: %+v", rows)
	}
	if store.dailyCalls != 2 {
		t.Errorf("dailyCalls = %d, want one per active caller", store.dailyCalls)
	}

	if _, found := kv.values["cache:v1:usage:daily:7"]; !found {
		t.Error("non-empty result was not written to cache")
	}
	if ttl := kv.setTTLs["cache:v1:usage:daily:7"]; ttl != time.Hour {
		t.Errorf("cache TTL = %s, want 1h", ttl)
	}
	if kv.values["cache:hits:usage:daily:7:miss"] != "1" {
		t.Error("miss was not recorded in the tracker")
	}
}

func TestDailyCacheHitSkipsStore(t *testing.T) {
	kv := newFakeKV()
	cached := []activitylog.DailyUsageRow{{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 9}}
	payload, _ := json.Marshal(cached)
	kv.values["cache:v1:usage:daily:7"] = string(payload)

	store := &fakeStore{}
	service := newTestService(kv, store, &fakeDirectory{})

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}

	if len(rows) != 1 || rows[0].Count != 9 {
		t.Errorf("cached rows not returned: %+v", rows)
	}
	if store.dailyCalls != 0 {
		t.Error("cache hit still queried the store")
	}
	if kv.values["cache:hits:usage:daily:7"] != "1" {
		t.Error("hit was not recorded in the tracker")
	}
}

func TestDailySortsByDateThenCount(t *testing.T) {
	kv := newFakeKV()
	store := &fakeStore{daily: map[string][]activitylog.DailyUsageRow{
		"CL-AAAAAAAAAAAA": {
			{CallerID: "CL-AAAAAAAAAAAA", Date: day(1), Count: 3},
			{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 8},
		},
		"CL-BBBBBBBBBBBB": {
			{CallerID: "CL-BBBBBBBBBBBB", Date: day(1), Count: 7},
		},
	}}
	directory := &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA", "CL-BBBBBBBBBBBB"}}
	service := newTestService(kv, store, directory)

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}

	want := []struct {
		callerID string
		count    int64
	}{
		{"CL-BBBBBBBBBBBB", 7},
		{"CL-AAAAAAAAAAAA", 3},
		{"CL-AAAAAAAAAAAA", 8},
	}
	for i, w := range want {
		if rows[i].CallerID != w.callerID || rows[i].Count != w.count {
			t.Errorf("row %d = %s/%d, want %s/%d", i, rows[i].CallerID, rows[i].Count, w.callerID, w.count)
		}
	}
}

func TestDailyEmptyResultNotCached(t *testing.T) {
	kv := newFakeKV()
	service := newTestService(kv, &fakeStore{}, &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA"}})

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("got %d rows, want 0", len(rows))
	}

	if _, found := kv.values["cache:v1:usage:daily:7"]; found {
		t.Error("empty result was cached")
	}
}

func TestDailyFailsClosedOnStoreError(t *testing.T) {
	service := newTestService(newFakeKV(),
		&fakeStore{dailyErr: errors.New("query failed")},
		&fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA"}})

	if _, err := service.Daily(context.Background(), 7); err == nil {
		t.Error("store failure did not surface")
	}
}

func TestDailyCacheWriteFailureSwallowed(t *testing.T) {
	kv := newFakeKV()
	kv.setErr = errors.New("connection refused")
	store := &fakeStore{daily: map[string][]activitylog.DailyUsageRow{
		"CL-AAAAAAAAAAAA": {{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 1}},
	}}
	service := newTestService(kv, store, &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA"}})

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("cache write failure must not fail the response: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

func TestDailyKVErrorFallsThroughToStore(t *testing.T) {
	kv := newFakeKV()
	kv.getErr = errors.New("connection refused")
	store := &fakeStore{daily: map[string][]activitylog.DailyUsageRow{
		"CL-AAAAAAAAAAAA": {{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 1}},
	}}
	service := newTestService(kv, store, &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA"}})

	rows, err := service.Daily(context.Background(), 7)
	if err != nil {
		t.Fatalf("Daily: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

func TestTopPassesThroughAndCaches(t *testing.T) {
	kv := newFakeKV()
	store := &fakeStore{top: []activitylog.TopCallerRow{
		{CallerID: "CL-AAAAAAAAAAAA", Count: 100},
	}}
	service := newTestService(kv, store, &fakeDirectory{})

	rows, err := service.Top(context.Background(), 24, 3)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 100 {
		t.Errorf("rows = %+v", rows)
	}

	if _, found := kv.values["cache:v1:usage:top:24:3"]; !found {
		t.Error("top result was not cached")
	}
}

func TestPrewarmBypassesCacheRead(t *testing.T) {
	kv := newFakeKV()
	// stale entry that a plain read would return
	kv.values["cache:v1:usage:daily:7"] = `[{"caller_id":"CL-STALE","date":"2026-01-01T00:00:00Z","count":1,"avg_elapsed":0,"errors":0}]`

	store := &fakeStore{daily: map[string][]activitylog.DailyUsageRow{
		"CL-AAAAAAAAAAAA": {{CallerID: "CL-AAAAAAAAAAAA", Date: day(0), Count: 4}},
	}}
	service := newTestService(kv, store, &fakeDirectory{ids: []string{"CL-AAAAAAAAAAAA"}})

	if err := service.PrewarmDaily(context.Background(), 7); err != nil {
		t.Fatalf("PrewarmDaily: %v", err)
	}

	if store.dailyCalls != 1 {
		t.Error("prewarm did not reach the store")
	}

	var refreshed []activitylog.DailyUsageRow
	if err := json.Unmarshal([]byte(kv.values["cache:v1:usage:daily:7"]), &refreshed); err != nil {
		t.Fatalf("unmarshal refreshed entry: %v", err)
	}
	if len(refreshed) != 1 || refreshed[0].CallerID != "CL-AAAAAAAAAAAA" {
		t.Errorf("cache entry not refreshed: %+v", refreshed)
	}
}

func TestPrewarmSurfacesCacheWriteFailure(t *testing.T) {
	kv := newFakeKV()
	kv.setErr = errors.New("connection refused")
	store := &fakeStore{top: []activitylog.TopCallerRow{{CallerID: "CL-AAAAAAAAAAAA", Count: 1}}}
	service := newTestService(kv, store, &fakeDirectory{})

	if err := service.PrewarmTop(context.Background(), 24, 3); err == nil {
		t.Error("prewarm exists to fill the cache; a failed write must surface")
	}
}
