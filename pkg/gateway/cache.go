package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pathwell/fabric/pkg/contracts"
)

// IdentityCache keeps recent validation results in Redis so hot agents
// don't hammer the registry. Misses and Redis failures both fall through
// to the registry; a stale entry can outlive a revocation by at most the
// TTL.
type IdentityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdentityCache connects to redisURL. An empty URL disables caching
// and returns nil.
func NewIdentityCache(redisURL string, ttl time.Duration) (*IdentityCache, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &IdentityCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

func cacheKey(agentID string) string { return "pathwell:identity:" + agentID }

// Get returns a cached validation result, or nil on miss or error.
func (c *IdentityCache) Get(ctx context.Context, agentID string) *contracts.ValidateAgentV2Result {
	raw, err := c.client.Get(ctx, cacheKey(agentID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("identity cache read", "agent_id", agentID, "error", err)
		}
		return nil
	}
	var result contracts.ValidateAgentV2Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	identityCacheHits.Inc()
	return &result
}

// Put stores a validation result for the configured TTL.
func (c *IdentityCache) Put(ctx context.Context, agentID string, result *contracts.ValidateAgentV2Result) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(agentID), raw, c.ttl).Err(); err != nil {
		slog.Warn("identity cache write", "agent_id", agentID, "error", err)
	}
}

// Close releases the Redis connection.
func (c *IdentityCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
