package redis

import (
	"apitracker/src/platform/health"
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	PingTargetName               = "redis"
	pingShallowAcceptableLatency = 25 * time.Millisecond
	pingDeepAcceptableLatency    = 250 * time.Millisecond
)

func (c *Client) PingShallow(ctx context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthShallow)

	if c.writer == nil || !c.ready.Load() {
		pingResult.SetPingOutput(health.PingCauseBadState, "redis client is not in ready state")
		return pingResult
	}

	err := c.writer.Ping(ctx).Err()
	pingResult.StoreComputedLatency(pingShallowAcceptableLatency)

	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("redis ping failed: %v", err),
		)
		return pingResult
	}

	return pingResult
}

func (c *Client) PingDeep(ctx context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthDeep)

	if c.writer == nil || !c.ready.Load() {
		pingResult.SetPingOutput(health.PingCauseBadState, "redis client is not in ready state")
		return pingResult
	}

	testKey := uniquePingKey()
	const testValue = "ok"

	err := c.writer.Set(ctx, testKey, testValue, 1*time.Second).Err()
	pingResult.StoreComputedLatency(pingDeepAcceptableLatency)
	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("redis set test key '%s' failed: %v", testKey, err),
		)
		return pingResult
	}

	val, err := c.reader.Get(ctx, testKey).Result()
	if err != nil {
		// The reader may lag behind the writer by replication delay; a
		// missing key on the replica is a degraded state, not a failure.
		pingResult.SetPingOutput(
			health.PingCauseUnstable,
			fmt.Sprintf("redis reader get test key '%s' failed: %v", testKey, err),
		)
		return pingResult
	}
	if val != testValue {
		pingResult.SetPingOutput(
			health.PingCauseBadResponse,
			fmt.Sprintf("redis get test key '%s' returned unexpected value '%s' (expected '%s')", testKey, val, testValue),
		)
		return pingResult
	}

	info, err := c.writer.Info(ctx, "server").Result()
	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("redis get server info failed: %v", err),
		)
		return pingResult
	}
	if info != "" && strings.Contains(info, "loading:1") {
		pingResult.SetPingOutput(
			health.PingCauseUnstable,
			"redis is loading dataset into memory",
		)
		return pingResult
	}

	return pingResult
}

func uniquePingKey() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0) //nolint:gosec // We use weak random for lightweight checks
	return "ping:" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
