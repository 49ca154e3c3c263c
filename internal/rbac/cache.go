package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/staffdesk/staffdesk/internal/permissions"
)

const keyPrefix = "rbac:role"

// RoleCache stores the granted permission ids of a role. Entries are versioned:
// Lookup returns the version it observed and Store only writes under that
// version, so a load racing an invalidation can never resurrect stale data.
type RoleCache interface {
	Lookup(ctx context.Context, roleID uuid.UUID) (ids []permissions.ID, version int64, hit bool, err error)
	Store(ctx context.Context, roleID uuid.UUID, version int64, ids []permissions.ID) error
	InvalidateRole(ctx context.Context, roleID uuid.UUID) error
}

// Cache is a Redis backed RoleCache fronted by an in-process LRU keyed by
// role and version.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	local  *lru.Cache[string, []permissions.ID]
}

// NewCache instantiates the cache. size bounds the in-process LRU.
func NewCache(client *redis.Client, ttl time.Duration, size int) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	local, err := lru.New[string, []permissions.ID](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: new lru: %w", err)
	}
	return &Cache{client: client, ttl: ttl, local: local}, nil
}

func versionKey(roleID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:version", keyPrefix, roleID)
}

func dataKey(roleID uuid.UUID, version int64) string {
	return fmt.Sprintf("%s:%s:v%d", keyPrefix, roleID, version)
}

// Version returns the current cache version for a role. Missing versions read as zero.
func (c *Cache) Version(ctx context.Context, roleID uuid.UUID) (int64, error) {
	ver, err := c.client.Get(ctx, versionKey(roleID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func (c *Cache) Lookup(ctx context.Context, roleID uuid.UUID) ([]permissions.ID, int64, bool, error) {
	if c == nil || c.client == nil {
		return nil, 0, false, nil
	}
	ver, err := c.Version(ctx, roleID)
	if err != nil {
		return nil, 0, false, err
	}
	key := dataKey(roleID, ver)
	if ids, ok := c.local.Get(key); ok {
		return clone(ids), ver, true, nil
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ver, false, nil
	}
	if err != nil {
		return nil, ver, false, err
	}
	var ids []permissions.ID
	if err := json.Unmarshal(raw, &ids); err != nil {
		// Treat undecodable payloads as a miss; the next Store overwrites them.
		return nil, ver, false, nil
	}
	c.local.Add(key, ids)
	return clone(ids), ver, true, nil
}

func (c *Cache) Store(ctx context.Context, roleID uuid.UUID, version int64, ids []permissions.ID) error {
	if c == nil || c.client == nil {
		return nil
	}
	if ids == nil {
		ids = []permissions.ID{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	key := dataKey(roleID, version)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	c.local.Add(key, clone(ids))
	return nil
}

// InvalidateRole bumps the role's version so every existing entry becomes unreachable.
func (c *Cache) InvalidateRole(ctx context.Context, roleID uuid.UUID) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey(roleID)).Result()
	if err != nil {
		return err
	}
	c.local.Remove(dataKey(roleID, ver-1))
	return nil
}

func clone(ids []permissions.ID) []permissions.ID {
	out := make([]permissions.ID, len(ids))
	copy(out, ids)
	return out
}

var _ RoleCache = (*Cache)(nil)
