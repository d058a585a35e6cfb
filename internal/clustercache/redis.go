package clustercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cairn-oracle/cairn/pkg/ledger"
)

const keyPrefix = "cairn:cluster:"

// Redis is the shared backend. Every node pointed at the same instance sees
// the same cached assignments, so one miner's recompute serves them all.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the given address and verifies the connection with a
// ping. A non-positive ttl means DefaultTTL.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := r.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no cached assignment for %s", ledger.ErrNotFound, shortFingerprint(fingerprint))
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached assignment: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parsing cached assignment: %w", err)
	}
	return &e, nil
}

func (r *Redis) Put(ctx context.Context, fingerprint string, tiers map[string]ledger.Tier) error {
	e := Entry{Tiers: tiers, ComputedAtMs: ledger.NowMs()}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cached assignment: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+fingerprint, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("writing cached assignment: %w", err)
	}
	return nil
}

// Invalidate removes every cached assignment. Called after a CLUSTER block
// commits, since any cached pre-commit assignment is stale by definition.
func (r *Redis) Invalidate(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("invalidating %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache keys: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
