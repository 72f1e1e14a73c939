package proxypool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fetchkit/reqorchestrator/requester"
)

// RedisBackend stores one sorted set per protocol (key
// "proxypool:{protocol}"), scored by last observed latency in milliseconds,
// member "host:port". This lets multiple Orchestrator processes share one
// ranked candidate list (spec.md §9 Parallel variant) instead of each
// maintaining an independent in-memory view.
//
// Freshness is enforced with a companion TTL key per member
// ("proxypool:{protocol}:seen:{addr}"): Candidates drops any member whose
// TTL key has expired, until a SetDelay or Seed for it refreshes the key.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend wraps client with the default FreshnessTTL.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, ttl: FreshnessTTL}
}

func (r *RedisBackend) setKey(protocol string) string {
	return fmt.Sprintf("proxypool:%s", protocol)
}

func (r *RedisBackend) seenKey(protocol, addr string) string {
	return fmt.Sprintf("proxypool:%s:seen:%s", protocol, addr)
}

// SetDelay implements Backend.
func (r *RedisBackend) SetDelay(ctx context.Context, protocol, addr string, delay time.Duration, reachable bool) error {
	score := float64(delay.Milliseconds())
	if !reachable {
		score = float64(time.Hour.Milliseconds())
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.setKey(protocol), redis.Z{Score: score, Member: addr})
	pipe.Set(ctx, r.seenKey(protocol, addr), "1", r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("proxypool: redis set delay: %w", err)
	}
	return nil
}

// Seed implements Backend.
func (r *RedisBackend) Seed(ctx context.Context, protocol, addr string) error {
	pipe := r.client.TxPipeline()
	pipe.ZAddNX(ctx, r.setKey(protocol), redis.Z{Score: 0, Member: addr})
	pipe.Set(ctx, r.seenKey(protocol, addr), "1", r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("proxypool: redis seed: %w", err)
	}
	return nil
}

// Candidates implements Backend.
func (r *RedisBackend) Candidates(ctx context.Context, protocol string) ([]requester.Candidate, error) {
	members, err := r.client.ZRangeWithScores(ctx, r.setKey(protocol), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("proxypool: redis candidates: %w", err)
	}

	out := make([]requester.Candidate, 0, len(members))
	for _, m := range members {
		addr, ok := m.Member.(string)
		if !ok {
			continue
		}
		exists, err := r.client.Exists(ctx, r.seenKey(protocol, addr)).Result()
		if err != nil {
			return nil, fmt.Errorf("proxypool: redis freshness check: %w", err)
		}
		if exists == 0 {
			continue // TTL expired; drop until refreshed by SetDelay/Seed
		}
		out = append(out, requester.Candidate{Protocol: protocol, Addr: addr})
	}
	return out, nil
}
