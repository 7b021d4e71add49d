package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a durable queue on a Redis list. Jobs are pushed to the head and
// popped from the tail so dispatch order matches admission order.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to Redis at rawURL, which may be a redis:// URL or a
// bare host:port address.
func NewRedis(rawURL, key string) (*Redis, error) {
	var opt *redis.Options
	if strings.Contains(rawURL, "://") {
		parsed, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opt = parsed
	} else {
		opt = &redis.Options{Addr: rawURL}
	}
	return &Redis{client: redis.NewClient(opt), key: key}, nil
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for sibling Redis concerns,
// such as the instance lease.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Enqueue pushes a job onto the list head.
func (r *Redis) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("pushing job: %w", err)
	}
	return nil
}

// Dequeue blocks on the list tail until a job arrives or the context ends.
func (r *Redis) Dequeue(ctx context.Context) (Job, error) {
	res, err := r.client.BRPop(ctx, 0, r.key).Result()
	if err != nil {
		return Job{}, fmt.Errorf("popping job: %w", err)
	}
	// BRPop returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return Job{}, fmt.Errorf("unmarshaling job: %w", err)
	}
	return job, nil
}

// Len reports the list length.
func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return int(n), nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
