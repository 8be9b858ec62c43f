package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/abac"
)

// RedisRuleCache shares rule sets between engine instances. Values are JSON
// under abac:rules:{collectionID} and expire with the given TTL.
type RedisRuleCache struct {
	client *redis.Client
	keyFmt string // format string, e.g. "abac:rules:%s"
}

func NewRedisRuleCache(client *redis.Client) *RedisRuleCache {
	return &RedisRuleCache{client: client, keyFmt: "abac:rules:%s"}
}

// WithKeyPrefix namespaces keys, e.g. per environment.
func (r *RedisRuleCache) WithKeyPrefix(prefix string) *RedisRuleCache {
	r.keyFmt = prefix + "%s"
	return r
}

func (r *RedisRuleCache) key(collectionID string) string {
	return fmt.Sprintf(r.keyFmt, collectionID)
}

func (r *RedisRuleCache) Get(ctx context.Context, collectionID string) (*abac.RuleSet, bool, error) {
	b, err := r.client.Get(ctx, r.key(collectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rs abac.RuleSet
	if err := json.Unmarshal(b, &rs); err != nil {
		return nil, false, fmt.Errorf("decode cached rules for %s: %w", collectionID, err)
	}
	return &rs, true, nil
}

func (r *RedisRuleCache) Set(ctx context.Context, collectionID string, rs *abac.RuleSet, ttl time.Duration) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(collectionID), b, ttl).Err()
}

func (r *RedisRuleCache) Invalidate(ctx context.Context, collectionID string) error {
	return r.client.Del(ctx, r.key(collectionID)).Err()
}
