// Package snapshotcache publishes tenant status snapshots to Redis so other
// services (the dashboard, billing) can read them without calling the daemon.
package snapshotcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is followed by the tenant id.
	KeyPrefix = "botfleet:snapshot:"
	// Channel receives the tenant id whenever its snapshot changes.
	Channel    = "botfleet:snapshots"
	defaultTTL = time.Minute
)

// Cache writes snapshots under KeyPrefix with a TTL and announces them on Channel.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Open parses a redis:// URL and checks the server answers.
func Open(ctx context.Context, url string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, ttl), nil
}

// Publish stores v as JSON and notifies subscribers.
func (c *Cache) Publish(ctx context.Context, tenantID string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key(tenantID), val, c.ttl)
		pipe.Publish(ctx, Channel, tenantID)
		return nil
	})
	return err
}

// Get decodes the snapshot for tenantID into out. found is false when the
// key is missing or expired.
func (c *Cache) Get(ctx context.Context, tenantID string, out any) (found bool, err error) {
	val, err := c.client.Get(ctx, key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(val, out)
}

// Delete drops the snapshot and notifies subscribers.
func (c *Cache) Delete(ctx context.Context, tenantID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key(tenantID))
		pipe.Publish(ctx, Channel, tenantID)
		return nil
	})
	return err
}

// Subscribe streams tenant ids from Channel until ctx is done.
func (c *Cache) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := c.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *Cache) Close() error { return c.client.Close() }

func key(tenantID string) string { return KeyPrefix + tenantID }
