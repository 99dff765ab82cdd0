package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/order-intake/backend/pkg/logger"
)

// Client caches structured extraction results keyed by the hash of the
// compiled document they were extracted from.
type Client struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Extraction cache initialized",
		zap.String("addr", fmt.Sprintf("%s:%d", host, port)),
		zap.Duration("ttl", ttl),
	)

	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func extractionKey(contentHash string) string {
	return fmt.Sprintf("extraction:%s", contentHash)
}

func (c *Client) SetExtraction(ctx context.Context, contentHash string, data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("refusing to cache invalid JSON for %s", contentHash)
	}

	err := c.client.Set(ctx, extractionKey(contentHash), []byte(data), c.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set extraction cache: %w", err)
	}

	logger.Debug("Extraction cached", zap.String("content_hash", contentHash), zap.Duration("ttl", c.ttl))
	return nil
}

func (c *Client) GetExtraction(ctx context.Context, contentHash string) (json.RawMessage, bool, error) {
	data, err := c.client.Get(ctx, extractionKey(contentHash)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get extraction cache: %w", err)
	}

	logger.Debug("Extraction cache hit", zap.String("content_hash", contentHash))
	return json.RawMessage(data), true, nil
}

// Invalidate drops every cached extraction, e.g. after the extraction prompt changes.
func (c *Client) Invalidate(ctx context.Context) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, "extraction:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Extraction cache invalidated", zap.Int("removed", removed))
	return removed, nil
}
