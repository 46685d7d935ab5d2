// Package topology provides read-through access to the camera topology
// table and crossing line configuration: topology edges are
// learned offline and consumed read-only here; crossing lines are
// operator-drawn boundaries feeding the crossing-line matcher.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/groundtruth-studio/reid-pipeline/internal/models"
)

// DefaultTTL is the cache lifetime for a topology read.
const DefaultTTL = 30 * time.Second

// Source is the backing topology/crossing-line store, consulted on a cache
// miss.
type Source interface {
	GetEdge(ctx context.Context, cameraA, cameraB string) (models.TopologyEdge, bool, error)
	ListCrossingLines(ctx context.Context, cameraID string) ([]models.CrossingLine, error)
}

// Cache is a Redis-backed read-through cache in front of Source, shared by
// the worker process the way the live-service's detection cache shares one
// Redis client across requests. A short TTL keeps reads cheap without
// letting a stale topology edge linger after an operator update; explicit
// Invalidate calls clear an entry immediately on write.
type Cache struct {
	source Source
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCache creates a topology cache. ttl <= 0 uses DefaultTTL.
func NewCache(source Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, client: client, ttl: ttl, logger: logger.With("component", "topology")}
}

type cachedEdge struct {
	Edge  models.TopologyEdge `json:"edge"`
	Found bool                `json:"found"`
}

func edgeKey(cameraA, cameraB string) string {
	return fmt.Sprintf("topology:edge:%s:%s", cameraA, cameraB)
}

func linesKey(cameraID string) string {
	return fmt.Sprintf("topology:lines:%s", cameraID)
}

// Edge returns the learned transit-time distribution from cameraA to
// cameraB. Edges are directional: Edge(a, b) and Edge(b, a) are distinct
// entries.
func (c *Cache) Edge(ctx context.Context, cameraA, cameraB string) (models.TopologyEdge, bool, error) {
	key := edgeKey(cameraA, cameraB)

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var cached cachedEdge
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached.Edge, cached.Found, nil
		}
		c.logger.Warn("discarding unparseable cached topology edge", "camera_a", cameraA, "camera_b", cameraB)
	} else if err != redis.Nil {
		c.logger.Warn("topology cache read failed, falling back to source", "error", err)
	}

	edge, found, err := c.source.GetEdge(ctx, cameraA, cameraB)
	if err != nil {
		return models.TopologyEdge{}, false, fmt.Errorf("get topology edge: %w", err)
	}

	if raw, err := json.Marshal(cachedEdge{Edge: edge, Found: found}); err == nil {
		if setErr := c.client.Set(ctx, key, raw, c.ttl).Err(); setErr != nil {
			c.logger.Warn("topology cache write failed", "error", setErr)
		}
	}
	return edge, found, nil
}

// CrossingLines returns every crossing line configured on cameraID.
func (c *Cache) CrossingLines(ctx context.Context, cameraID string) ([]models.CrossingLine, error) {
	key := linesKey(cameraID)

	if raw, err := c.client.Get(ctx, key).Result(); err == nil {
		var lines []models.CrossingLine
		if jsonErr := json.Unmarshal([]byte(raw), &lines); jsonErr == nil {
			return lines, nil
		}
		c.logger.Warn("discarding unparseable cached crossing lines", "camera_id", cameraID)
	} else if err != redis.Nil {
		c.logger.Warn("topology cache read failed, falling back to source", "error", err)
	}

	lines, err := c.source.ListCrossingLines(ctx, cameraID)
	if err != nil {
		return nil, fmt.Errorf("list crossing lines: %w", err)
	}

	if raw, err := json.Marshal(lines); err == nil {
		if setErr := c.client.Set(ctx, key, raw, c.ttl).Err(); setErr != nil {
			c.logger.Warn("topology cache write failed", "error", setErr)
		}
	}
	return lines, nil
}

// InvalidateEdge evicts a cached edge immediately after a topology write.
func (c *Cache) InvalidateEdge(ctx context.Context, cameraA, cameraB string) error {
	return c.client.Del(ctx, edgeKey(cameraA, cameraB)).Err()
}

// InvalidateCrossingLines evicts a camera's cached crossing lines
// immediately after an operator edits its configuration.
func (c *Cache) InvalidateCrossingLines(ctx context.Context, cameraID string) error {
	return c.client.Del(ctx, linesKey(cameraID)).Err()
}
