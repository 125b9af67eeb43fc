package propagate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/retry"
)

// RedisOptions configure the Redis stream propagator.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to the route id to form the stream key.
	Prefix string
	// MaxLen trims each stream to roughly this many entries. Zero keeps all.
	MaxLen int64
	Retry  retry.Policy
}

// Redis appends each batch as one entry to the stream Prefix+routeID.
type Redis struct {
	client *redis.Client
	opts   RedisOptions
}

var _ core.Propagator = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &Redis{client: client, opts: opts}, nil
}

func (r *Redis) Close() error { return r.client.Close() }

// StreamKey is where records for routeID land.
func (r *Redis) StreamKey(routeID string) string {
	return r.opts.Prefix + routeID
}

// Propagate appends the batch as one stream entry. Each entry carries a
// batch_id fixed before the first attempt; a retried XADD after an
// ambiguous failure can write the batch twice, and consumers dedupe on it.
func (r *Redis) Propagate(ctx context.Context, routeID string, records []core.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.StreamKey(routeID),
		Values: map[string]any{
			"route_id": routeID,
			"batch_id": uuid.NewString(),
			"count":    len(records),
			"records":  string(data),
		},
	}
	if r.opts.MaxLen > 0 {
		args.MaxLen = r.opts.MaxLen
		args.Approx = true
	}
	return r.opts.Retry.Do(ctx, "redis.xadd", func(ctx context.Context) error {
		return r.client.XAdd(ctx, args).Err()
	})
}
