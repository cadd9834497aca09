package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"

	"github.com/wavelength-social/wavelength/env"
	"github.com/wavelength-social/wavelength/service/tracing"
)

type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

type redisDB int

type CacheConfig struct {
	database    redisDB
	displayName string
	keyPrefix   string
}

const (
	locks        redisDB = 0
	throttles    redisDB = 1
	graphUpdates redisDB = 2
	misc         redisDB = 3
)

// Every cache is uniquely defined by its database and key prefix.

var (
	SemanticPipelineLockCache = CacheConfig{database: locks, keyPrefix: "semantic", displayName: "semanticPipelineLock"}
	JobThrottleCache          = CacheConfig{database: throttles, keyPrefix: "job", displayName: "jobThrottle"}
	GraphUpdateCache          = CacheConfig{database: graphUpdates, keyPrefix: "graph", displayName: "graphUpdate"}
	MiscCache                 = CacheConfig{database: misc, keyPrefix: "", displayName: "misc"}
)

func newClient(db redisDB, displayName string) *redis.Client {
	databaseID := int(db)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	redisURL := env.GetString(ctx, "REDIS_URL")
	redisPass := env.GetString(ctx, "REDIS_PASS")
	client := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPass,
		DB:       databaseID,
	})
	client.AddHook(tracing.NewRedisHook(databaseID, displayName, true))
	if err := client.Ping(ctx).Err(); err != nil {
		panic(err)
	}
	return client
}

// Cache represents an abstraction over a redis client
type Cache struct {
	client    *redis.Client
	keyPrefix string
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

// NewCache creates a new redis cache
func NewCache(config CacheConfig) *Cache {
	return &Cache{
		client:    newClient(config.database, config.displayName),
		keyPrefix: config.keyPrefix,
	}
}

// NewLockClient returns a distributed lock client on the cache's underlying connection.
// Used for single-flight guards that must hold across processes.
func NewLockClient(cache *Cache) *redislock.Client {
	return redislock.New(cache.client)
}

// Set sets a value in the redis cache
func (c *Cache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.client.Set(ctx, c.getPrefixedKey(key), value, expiration).Err()
}

// SetNX sets a value in the redis cache if it doesn't already exist. Returns true if the key did not
// already exist and was set, false if the key did exist and therefore was not set.
func (c *Cache) SetNX(ctx context.Context, key string, value []byte, expiration time.Duration) (bool, error) {
	cmd := c.client.SetNX(ctx, c.getPrefixedKey(key), value, expiration)

	err := cmd.Err()
	if err != nil {
		return false, err
	}

	return cmd.Val(), nil
}

// SetTime sets a time in the redis cache as a unix timestamp
func (c *Cache) SetTime(ctx context.Context, key string, value time.Time, expiration time.Duration) error {
	return c.client.Set(ctx, c.getPrefixedKey(key), value.Unix(), expiration).Err()
}

func (c *Cache) GetTime(ctx context.Context, key string) (time.Time, error) {
	result, err := c.client.Get(ctx, c.getPrefixedKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, ErrKeyNotFound{Key: key}
		}
		return time.Time{}, err
	}

	timestamp, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(timestamp, 0), nil
}

// Get gets a value from the redis cache
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	bs, err := c.client.Get(ctx, c.getPrefixedKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound{Key: key}
		}
		return nil, err
	}
	return bs, nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.getPrefixedKey(key)).Err()
}

// Close closes the underlying redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) getPrefixedKey(key string) string {
	if c.keyPrefix == "" {
		return key
	}

	return c.keyPrefix + ":" + key
}
