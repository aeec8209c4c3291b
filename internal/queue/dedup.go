package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Deduper guards the one-in-flight-job-per-key rule.
type Deduper interface {
	// Acquire claims key for jobID. If the key is already claimed it
	// returns the owning job id and false.
	Acquire(ctx context.Context, key, jobID string) (owner string, acquired bool, err error)
	// Release frees key.
	Release(ctx context.Context, key string) error
}

// DedupKey is the per-session key of a job type.
func DedupKey(sessionID string, jobType string) string {
	return sessionID + ":" + jobType
}

// MemoryDeduper keeps claims in an in-process TTL cache. The TTL bounds how
// long a claim outlives a crashed worker.
type MemoryDeduper struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewMemoryDeduper creates a deduper whose claims expire after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryDeduper{
		cache: cache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

func (d *MemoryDeduper) Acquire(_ context.Context, key, jobID string) (string, bool, error) {
	for i := 0; i < 2; i++ {
		if err := d.cache.Add(key, jobID, d.ttl); err == nil {
			return jobID, true, nil
		}
		if owner, found := d.cache.Get(key); found {
			return owner.(string), false, nil
		}
		// Expired between Add and Get; try once more.
	}
	return "", false, fmt.Errorf("dedup key %s contended", key)
}

func (d *MemoryDeduper) Release(_ context.Context, key string) error {
	d.cache.Delete(key)
	return nil
}

// RedisDeduper keeps claims in Redis with SETNX so several service
// instances share them.
type RedisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper connects to the Redis at url (redis://...). A bare
// host:port is accepted as well.
func NewRedisDeduper(url string, ttl time.Duration) (*RedisDeduper, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		opt = &redis.Options{Addr: url}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisDeduper{client: client, prefix: "clinical-risk:job-dedup:", ttl: ttl}, nil
}

func (d *RedisDeduper) Acquire(ctx context.Context, key, jobID string) (string, bool, error) {
	for i := 0; i < 2; i++ {
		ok, err := d.client.SetNX(ctx, d.prefix+key, jobID, d.ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return jobID, true, nil
		}
		owner, err := d.client.Get(ctx, d.prefix+key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("redis get: %w", err)
		}
		return owner, false, nil
	}
	return "", false, fmt.Errorf("dedup key %s contended", key)
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// Close closes the Redis client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
