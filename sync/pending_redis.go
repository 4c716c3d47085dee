package sync

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/oipwg/oipd/common"
	"github.com/oipwg/oipd/config"
)

// RedisPending is a pending queue backed by a Redis list, so deferred
// records survive a daemon restart instead of waiting for a reindex.
type RedisPending struct {
	client *redis.Client
	key    string
}

// NewRedisPending connects to Redis using the configured URL and verifies
// the connection with a ping.
func NewRedisPending(ctx context.Context, cfg config.RedisConfig) (*RedisPending, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, common.Failf(common.FailureDecode, "parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, common.Failf(common.FailureTransient, "connect to redis: %v", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "oipd:"
	}
	return &RedisPending{client: client, key: prefix + "pending"}, nil
}

// Close closes the Redis connection.
func (r *RedisPending) Close() error { return r.client.Close() }

func (r *RedisPending) Defer(ctx context.Context, rec PendingRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return common.Failf(common.FailureDecode, "marshal pending record: %v", err)
	}
	if err := r.client.RPush(ctx, r.key, body).Err(); err != nil {
		return common.Failf(common.FailureTransient, "defer %s: %v", rec.DID, err)
	}
	return nil
}

func (r *RedisPending) DrainAll(ctx context.Context) ([]PendingRecord, error) {
	var out []PendingRecord
	for {
		batch, err := r.client.LPopCount(ctx, r.key, 100).Result()
		if err == redis.Nil || len(batch) == 0 {
			return out, nil
		}
		if err != nil {
			return out, common.Failf(common.FailureTransient, "drain pending queue: %v", err)
		}
		for _, raw := range batch {
			var rec PendingRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				// A corrupt entry is unrecoverable; skip it rather than
				// wedge the drain.
				continue
			}
			out = append(out, rec)
		}
	}
}

func (r *RedisPending) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, common.Failf(common.FailureTransient, "pending queue depth: %v", err)
	}
	return int(n), nil
}
