package health

import (
	"errors"
	"testing"
	"time"
)

func TestNewHealthyPingResult(t *testing.T) {
	result := NewHealthyPingResult("redis", PingDepthShallow)

	if !result.Healthy() {
		t.Error("fresh result not healthy")
	}
	if result.Cause != PingCauseOk || result.Status != PingStatusHealthy {
		t.Errorf("cause/status = %s/%s", result.Cause, result.Status)
	}
	if result.Target != "redis" || result.Depth != PingDepthShallow {
		t.Errorf("target/depth = %s/%s", result.Target, result.Depth)
	}
}

func TestStoreComputedLatencyDegradesSlowProbe(t *testing.T) {
	result := NewHealthyPingResult("postgresql", PingDepthDeep)
	result.CheckedAt = time.Now().Add(-time.Second)

	result.StoreComputedLatency(10 * time.Millisecond)

	if !result.Degraded() {
		t.Error("slow probe not degraded")
	}
	if result.Cause != PingCauseUnstable {
		t.Errorf("cause = %s, want %s", result.Cause, PingCauseUnstable)
	}
	if result.LatencyMS < 1000 {
		t.Errorf("LatencyMS = %d, want at least 1000", result.LatencyMS)
	}
}

func TestStoreComputedLatencyKeepsFastProbeHealthy(t *testing.T) {
	result := NewHealthyPingResult("postgresql", PingDepthShallow)

	result.StoreComputedLatency(time.Minute)

	if !result.Healthy() {
		t.Errorf("fast probe degraded: %+v", result)
	}
}

func TestPingCauseFromRequestError(t *testing.T) {
	cases := []struct {
		err  error
		want PingCause
	}{
		{nil, PingCauseOk},
		{errors.New("dial tcp 10.0.0.1:6379: connection refused"), PingCauseNetwork},
		{errors.New("ERR too many connections"), PingCauseOverloaded},
		{errors.New("authentication failed for user"), PingCauseAuthFailed},
		{errors.New("something inexplicable"), PingCauseUnknown},
	}

	for _, tc := range cases {
		if got := PingCauseFromRequestError(tc.err); got != tc.want {
			t.Errorf("PingCauseFromRequestError(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
