package sequence

import (
	"context"
	"fmt"
	"log"
	"time"

	"clinicqueue/internal/models"

	"github.com/redis/go-redis/v9"
)

// nextScript increments the daily counter and sets its expiry on first use.
const nextScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`

const defaultKeyTTL = 48 * time.Hour

type RedisSequencer struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisSequencer(client redis.Cmdable, ttl time.Duration) *RedisSequencer {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	return &RedisSequencer{client: client, ttl: ttl}
}

func (s *RedisSequencer) Next(ctx context.Context, serviceType models.ServiceType, queueDate string) (int64, error) {
	n, err := s.client.Eval(ctx, nextScript, []string{Key(serviceType, queueDate)}, int(s.ttl/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis sequence: %w", err)
	}
	return n, nil
}

// NewRedisClient parses url (falling back to a plain address) and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 2
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Printf("redis connected addr=%s", opts.Addr)
	return client, nil
}
