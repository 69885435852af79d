package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultNamespace = "wlm"

// renewScript extends or takes the lease only for its current owner.
var renewScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false then
  return redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2]) and 1 or 0
end
if cur == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis holds leases as SET NX PX keys so workers on several hosts can share jobs.
type Redis struct {
	client    *redis.Client
	namespace string
}

// NewRedis connects using a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client, namespace: defaultNamespace}, nil
}

func (l *Redis) key(jobID string) string {
	return l.namespace + ":job-lock:" + jobID
}

func (l *Redis) Acquire(ctx context.Context, jobID, owner string, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key(jobID), owner, ttl).Result()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrHeld
	}
	return nil
}

func (l *Redis) Release(ctx context.Context, jobID, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(jobID)}, owner).Err()
}

func (l *Redis) Held(ctx context.Context, jobID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(jobID)).Result()
	return n == 1, err
}

func (l *Redis) Close() error {
	return l.client.Close()
}
