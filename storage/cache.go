package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/lucirlei/chathub360-kanban/domain"
)

// Cache wraps a Storage instance with Redis-backed caching for item
// reads. Mutations go straight to the embedded Storage; callers run
// the matching Invalidate* entry point after the mutation commits,
// never before.
type Cache struct {
	*Storage
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client
// and TTL. A nil client degrades to pass-through reads.
func NewCache(base *Storage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{Storage: base, redis: client, ttl: ttl}
}

// ListItems serves the listing from cache when possible, falling back
// to (and repopulating from) the backing store.
func (c *Cache) ListItems(ctx context.Context, filter ListFilter) (ListResult, error) {
	key := listingKey(filter)
	if result, ok := c.loadListing(ctx, key); ok {
		return result, nil
	}

	result, err := c.Storage.ListItems(ctx, filter)
	if err != nil {
		return ListResult{}, err
	}
	c.storeListing(ctx, key, result)
	return result, nil
}

// GetItem serves a single item from cache when possible. The cache
// key embeds the item's last-modified timestamp, so a mutation
// naturally orphans the stale entry; a head pointer tracks the
// current timestamp per item.
func (c *Cache) GetItem(ctx context.Context, accountID, id int64) (*domain.KanbanItem, error) {
	if item, ok := c.loadItem(ctx, accountID, id); ok {
		return item, nil
	}

	item, err := c.Storage.GetItem(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	c.storeItem(ctx, item)
	return item, nil
}

// InvalidateItem drops the cached entry for the item as it existed
// before a mutation. Deleting the old computed key keeps reads
// consistent even when two mutations land within the same second.
// Safe to call redundantly.
func (c *Cache) InvalidateItem(ctx context.Context, accountID, id int64, previousUpdatedAt time.Time) {
	if c.redis == nil {
		return
	}
	keys := []string{
		itemKey(id, previousUpdatedAt),
		itemHeadKey(accountID, id),
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithError(err).WithField("item", id).Error("failed to invalidate item cache")
	}
}

// InvalidateListing clears every listing entry a mutation could have
// affected: the unfiltered account listing, the funnel-scoped
// listings, and the stage-filtered listings for each named stage
// (empty stages are skipped, duplicates collapse). Pattern deletion
// covers every page, so no fixed page window is assumed. Idempotent:
// deleting absent keys is a no-op.
func (c *Cache) InvalidateListing(ctx context.Context, accountID, funnelID int64, stages ...string) {
	patterns := []string{
		fmt.Sprintf("%s:%d:-:-:-:*", listingPrefix, accountID),
		fmt.Sprintf("%s:%d:%d:*", listingPrefix, accountID, funnelID),
	}
	seen := make(map[string]struct{}, len(stages))
	for _, stage := range stages {
		if stage == "" {
			continue
		}
		if _, dup := seen[stage]; dup {
			continue
		}
		seen[stage] = struct{}{}
		patterns = append(patterns, fmt.Sprintf("%s:%d:-:%s:*", listingPrefix, accountID, stage))
	}
	c.deletePatterns(ctx, patterns)
}

// InvalidateAgent clears the agent-filtered listing entries for one
// agent, used when a mutation changes the item's assignments.
func (c *Cache) InvalidateAgent(ctx context.Context, accountID, funnelID, agentID int64) {
	patterns := []string{
		fmt.Sprintf("%s:%d:-:-:%d:*", listingPrefix, accountID, agentID),
		fmt.Sprintf("%s:%d:%d:-:%d:*", listingPrefix, accountID, funnelID, agentID),
	}
	c.deletePatterns(ctx, patterns)
}

func (c *Cache) deletePatterns(ctx context.Context, patterns []string) {
	if c.redis == nil {
		return
	}
	for _, pattern := range patterns {
		iter := c.redis.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			log.WithError(err).WithField("pattern", pattern).Error("listing cache scan failed")
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if err := c.redis.Del(ctx, keys...).Err(); err != nil {
			log.WithError(err).WithField("pattern", pattern).Error("listing cache delete failed")
		}
	}
}

const (
	listingPrefix = "items"
	itemPrefix    = "item"
	scanBatchSize = 100
)

func (c *Cache) loadListing(ctx context.Context, key string) (ListResult, bool) {
	if c.redis == nil {
		return ListResult{}, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage
			// without failing the read.
			_ = c.redis.Del(ctx, key).Err()
		}
		return ListResult{}, false
	}
	var result ListResult
	if err := json.Unmarshal(data, &result); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return ListResult{}, false
	}
	return result, true
}

func (c *Cache) storeListing(ctx context.Context, key string, result ListResult) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) loadItem(ctx context.Context, accountID, id int64) (*domain.KanbanItem, bool) {
	if c.redis == nil {
		return nil, false
	}
	head, err := c.redis.Get(ctx, itemHeadKey(accountID, id)).Result()
	if err != nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, head).Bytes()
	if err != nil {
		return nil, false
	}
	var item domain.KanbanItem
	if err := json.Unmarshal(data, &item); err != nil {
		_ = c.redis.Del(ctx, head).Err()
		return nil, false
	}
	return &item, true
}

func (c *Cache) storeItem(ctx context.Context, item *domain.KanbanItem) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(item)
	if err != nil {
		return
	}
	key := itemKey(item.ID, item.UpdatedAt)
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return
	}
	_ = c.redis.Set(ctx, itemHeadKey(item.AccountID, item.ID), key, c.ttl).Err()
}

// listingKey builds the composite listing cache key. The tuple layout
// (account, funnel, stage, agent, page, page size) is shared with
// earlier deployments, so the format must stay stable.
func listingKey(filter ListFilter) string {
	funnel := "-"
	if filter.FunnelID != nil {
		funnel = strconv.FormatInt(*filter.FunnelID, 10)
	}
	stage := "-"
	if filter.StageID != nil {
		stage = *filter.StageID
	}
	agent := "-"
	if filter.AgentID != nil {
		agent = strconv.FormatInt(*filter.AgentID, 10)
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return fmt.Sprintf("%s:%d:%s:%s:%s:%d:%d", listingPrefix, filter.AccountID, funnel, stage, agent, page, pageSize)
}

func itemKey(id int64, updatedAt time.Time) string {
	return fmt.Sprintf("%s:%d:%d", itemPrefix, id, updatedAt.Unix())
}

func itemHeadKey(accountID, id int64) string {
	return fmt.Sprintf("%s:%d:%d:head", itemPrefix, accountID, id)
}
