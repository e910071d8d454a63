package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/synqx/pipeline-core/internal/model"
)

// onlineTTL bounds how long a heartbeat's membership/in-flight record
// survives without a refresh; longer than the §4.9 step 2 30s cadence
// so a single missed beat doesn't drop an agent from consideration.
const onlineTTL = 90 * time.Second

// Balancer tracks each online agent's in-flight job count in Redis so
// a group trigger can soft-assign to the least-loaded member (spec
// §4.8 "Load balancing"). The actual claim still happens through
// Store.LeaseJob — this only informs which agent a trigger nudges
// first.
type Balancer struct {
	Redis *redis.Client
}

func NewBalancer(client *redis.Client) *Balancer {
	return &Balancer{Redis: client}
}

func inFlightKey(workspaceID, clientID string) string {
	return fmt.Sprintf("synqx:inflight:%s:%s", workspaceID, clientID)
}

func onlineSetKey(workspaceID, group string) string {
	return fmt.Sprintf("synqx:online:%s:%s", workspaceID, group)
}

// RecordHeartbeat refreshes the agent's membership in its groups'
// online sets so SelectAgent only considers live agents.
func (b *Balancer) RecordHeartbeat(ctx context.Context, agent *model.Agent) error {
	pipe := b.Redis.Pipeline()
	for _, group := range agent.Groups {
		key := onlineSetKey(agent.WorkspaceID, group)
		pipe.SAdd(ctx, key, agent.ClientID)
		pipe.Expire(ctx, key, onlineTTL)
	}
	pipe.Set(ctx, inFlightKey(agent.WorkspaceID, agent.ClientID), agent.InFlightCount, onlineTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrementInFlight bumps clientID's in-flight counter by delta
// (positive on lease, negative on terminal report).
func (b *Balancer) IncrementInFlight(ctx context.Context, workspaceID, clientID string, delta int64) error {
	return b.Redis.IncrBy(ctx, inFlightKey(workspaceID, clientID), delta).Err()
}

// SelectAgent returns the online member of workspaceID/group with the
// lowest in-flight count, for a group-targeted trigger's soft
// assignment (spec §4.8 "Load balancing"). It is advisory only: the
// agent still must win the atomic lease via poll.
func (b *Balancer) SelectAgent(ctx context.Context, workspaceID, group string) (string, error) {
	members, err := b.Redis.SMembers(ctx, onlineSetKey(workspaceID, group)).Result()
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}

	best, bestCount := "", int64(-1)
	for _, clientID := range members {
		count, err := b.Redis.Get(ctx, inFlightKey(workspaceID, clientID)).Int64()
		if err != nil && err != redis.Nil {
			return "", err
		}
		if bestCount == -1 || count < bestCount {
			best, bestCount = clientID, count
		}
	}
	return best, nil
}
