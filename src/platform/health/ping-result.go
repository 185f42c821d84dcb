package health

import (
	"fmt"
	"time"
)

// PingResult is one cached probe outcome, served verbatim in the health
// endpoint's dependency map.
type PingResult struct {
	Target    string     `json:"target"`
	Depth     PingDepth  `json:"depth"`
	Status    PingStatus `json:"status"`
	Cause     PingCause  `json:"cause"`
	Details   string     `json:"details"`
	LatencyMS int64      `json:"latency_ms"`
	CheckedAt time.Time  `json:"checked_at"`
}

func NewHealthyPingResult(target string, depth PingDepth) PingResult {
	result := PingResult{
		Target:    target,
		Depth:     depth,
		CheckedAt: time.Now(),
	}
	result.SetPingOutput(PingCauseOk, "ok")
	return result
}

func (r *PingResult) SetPingOutput(cause PingCause, details string) {
	r.Status = cause.ToStatus()
	r.Cause = cause
	r.Details = details
}

// StoreComputedLatency records the elapsed probe time and degrades an
// otherwise healthy result when the probe ran slower than acceptable.
func (r *PingResult) StoreComputedLatency(acceptableLatency time.Duration) {
	latency := time.Since(r.CheckedAt)
	r.LatencyMS = latency.Milliseconds()

	if latency > acceptableLatency {
		r.SetPingOutput(
			PingCauseUnstable,
			fmt.Sprintf("ping latency %s exceeds acceptable latency %s", latency, acceptableLatency),
		)
	}
}

func (r PingResult) Healthy() bool {
	return r.Status == PingStatusHealthy
}

func (r PingResult) Degraded() bool {
	return r.Status == PingStatusDegraded
}
