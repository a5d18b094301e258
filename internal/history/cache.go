package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// Cache holds computed windows keyed by user id. Implementations may drop
// entries at any time; the store falls back to SQLite.
type Cache interface {
	Get(ctx context.Context, userID string) (*Window, bool)
	Set(ctx context.Context, userID string, w *Window)
	Delete(ctx context.Context, userID string)
	Close() error
}

type nopCache struct{}

func (nopCache) Get(context.Context, string) (*Window, bool) { return nil, false }
func (nopCache) Set(context.Context, string, *Window)         {}
func (nopCache) Delete(context.Context, string)               {}
func (nopCache) Close() error                                 { return nil }

// NopCache disables window caching.
func NopCache() Cache { return nopCache{} }

// RistrettoCache is an in-process window cache.
type RistrettoCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewRistrettoCache(ttl time.Duration) (*RistrettoCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &RistrettoCache{cache: c, ttl: ttl}, nil
}

func (c *RistrettoCache) Get(_ context.Context, userID string) (*Window, bool) {
	v, ok := c.cache.Get(userID)
	if !ok {
		return nil, false
	}
	w, ok := v.(*Window)
	return w, ok
}

func (c *RistrettoCache) Set(_ context.Context, userID string, w *Window) {
	cost := int64(w.Tokens()) + 1
	if c.ttl > 0 {
		c.cache.SetWithTTL(userID, w, cost, c.ttl)
	} else {
		c.cache.Set(userID, w, cost)
	}
	// Make the write visible to the next Get.
	c.cache.Wait()
}

func (c *RistrettoCache) Delete(_ context.Context, userID string) {
	c.cache.Del(userID)
}

func (c *RistrettoCache) Close() error {
	c.cache.Close()
	return nil
}

// RedisCache shares windows across server processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(addr string, db int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		ttl:    ttl,
		prefix: "luotianyi:window:",
	}
}

type cachedWindow struct {
	Summary     *Message  `json:"summary,omitempty"`
	Messages    []Message `json:"messages"`
	Overflow    *Range    `json:"overflow,omitempty"`
	LastOrdinal int64     `json:"last_ordinal"`
}

func (c *RedisCache) Get(ctx context.Context, userID string) (*Window, bool) {
	data, err := c.client.Get(ctx, c.prefix+userID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("[history] redis get warning: %v", err)
		}
		return nil, false
	}
	var cw cachedWindow
	if err := json.Unmarshal(data, &cw); err != nil {
		log.Printf("[history] redis decode warning: %v", err)
		return nil, false
	}
	return &Window{
		UserID:      userID,
		Summary:     cw.Summary,
		Messages:    cw.Messages,
		Overflow:    cw.Overflow,
		LastOrdinal: cw.LastOrdinal,
	}, true
}

func (c *RedisCache) Set(ctx context.Context, userID string, w *Window) {
	data, err := json.Marshal(cachedWindow{
		Summary:     w.Summary,
		Messages:    w.Messages,
		Overflow:    w.Overflow,
		LastOrdinal: w.LastOrdinal,
	})
	if err != nil {
		log.Printf("[history] redis encode warning: %v", err)
		return
	}
	if err := c.client.Set(ctx, c.prefix+userID, data, c.ttl).Err(); err != nil {
		log.Printf("[history] redis set warning: %v", err)
	}
}

func (c *RedisCache) Delete(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, c.prefix+userID).Err(); err != nil {
		log.Printf("[history] redis delete warning: %v", err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
