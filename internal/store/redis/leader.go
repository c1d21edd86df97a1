package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Leader elects one instance among several through a SETNX key with a TTL.
type Leader struct {
	client     redis.Cmdable
	key        string
	instanceID string
	ttl        time.Duration
}

func NewLeader(client redis.Cmdable, key, instanceID string, ttl time.Duration) *Leader {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Leader{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// TryLead acquires the key or renews it when this instance already owns it.
func (l *Leader) TryLead(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader setnx: %w", err)
	}
	if ok {
		return true, nil
	}
	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("leader renew: %w", err)
	}
	return result == 1, nil
}
