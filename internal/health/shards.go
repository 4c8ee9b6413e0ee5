// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/shardline/internal/gateway/shard"
)

// DefaultMaxAckAge marks a connected shard degraded when its last heartbeat
// acknowledgement is older than this.
const DefaultMaxAckAge = 2 * time.Minute

// ShardChecker reports on a set of shards.
//
//	all connected             -> healthy
//	some connecting/resuming  -> degraded
//	none connected, or any shut down -> unhealthy
type ShardChecker struct {
	info      func() []shard.Info
	maxAckAge time.Duration
	now       func() time.Time
}

// NewShardChecker creates a checker over the snapshots returned by info.
func NewShardChecker(info func() []shard.Info, maxAckAge time.Duration) *ShardChecker {
	if maxAckAge <= 0 {
		maxAckAge = DefaultMaxAckAge
	}
	return &ShardChecker{info: info, maxAckAge: maxAckAge, now: time.Now}
}

func (c *ShardChecker) Name() string {
	return "shards"
}

func (c *ShardChecker) Check(_ context.Context) CheckResult {
	infos := c.info()
	if len(infos) == 0 {
		return CheckResult{Status: StatusUnhealthy, Error: "no shards configured"}
	}

	var connected, stale int
	for _, in := range infos {
		switch in.Phase {
		case shard.PhaseShutdown:
			return CheckResult{
				Status: StatusUnhealthy,
				Error:  fmt.Sprintf("shard %s is shut down", in.ID),
			}
		case shard.PhaseConnected:
			connected++
			last := in.Latency.LastAck
			if !last.IsZero() && c.now().Sub(last) > c.maxAckAge {
				stale++
			}
		}
	}

	msg := fmt.Sprintf("%d/%d shards connected", connected, len(infos))
	switch {
	case connected == 0:
		return CheckResult{Status: StatusUnhealthy, Message: msg}
	case connected < len(infos) || stale > 0:
		if stale > 0 {
			msg = fmt.Sprintf("%s, %d without recent heartbeat ack", msg, stale)
		}
		return CheckResult{Status: StatusDegraded, Message: msg}
	default:
		return CheckResult{Status: StatusHealthy, Message: msg}
	}
}
