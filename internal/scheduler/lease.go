package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease is an optional Redis leadership lease for multi-replica deployments.
// Exactly one replica holds the lease per TTL window; the others skip the
// tick. Single-replica deployments run without it and rely on SKIP LOCKED
// claiming alone.
type Lease struct {
	client *redis.Client
	script *redis.Script
	key    string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if client == nil {
		return nil
	}
	return &Lease{
		client: client,
		script: redis.NewScript(leaseReleaseScript),
		key:    key,
		ttl:    ttl,
	}
}

func (l *Lease) TryAcquire(ctx context.Context) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lease client not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Lease) Release(ctx context.Context, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{l.key}, token).Err()
}
