package otp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	Identity string
}

// RedisCounter keeps the counter in Redis so it survives restarts and is
// shared by every process signing as the same identity. INCR is atomic on
// the server, which is what keeps values unique across callers.
type RedisCounter struct {
	client *redis.Client
	key    string
}

func NewRedisCounter(ctx context.Context, opts RedisOptions) (*RedisCounter, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required for the otp counter")
	}
	identity := strings.TrimSpace(opts.Identity)
	if identity == "" {
		return nil, fmt.Errorf("identity is required for the otp counter")
	}

	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	if ctx == nil {
		ctx = context.Background()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisCounter{client: c, key: counterKey(opts.Prefix, identity)}, nil
}

func counterKey(prefix, identity string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "securecall:otp:v1"
	}
	return fmt.Sprintf("%s:%s", prefix, strings.TrimSpace(identity))
}

func (c *RedisCounter) NextCounter(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("otp counter not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr otp counter: %w", err)
	}
	return v, nil
}

func (c *RedisCounter) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
