// Package cache implements the gateway's category-partitioned, TTL'd
// response cache, adapted from the teacher's MultiLevelCache/LRUCache
// pair in llm/cache/prompt_cache.go and generalized to many independent
// partitions with stale-while-revalidate semantics.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Category names a cache partition. Each partition has its own capacity
// and TTL.
type Category string

const (
	CategoryUserSettings     Category = "user-settings"
	CategoryMemoryRetrievals Category = "memory-retrievals"
	CategoryAIResponses      Category = "ai-responses"
	CategoryFileMetadata     Category = "file-metadata"
	CategoryEmbeddings       Category = "embeddings"
	CategoryThumbnails       Category = "thumbnails"
	CategoryHealthData       Category = "health-data"
	CategoryDeviceSettings   Category = "device-settings"
)

// PartitionConfig bounds one category's entry count and freshness window.
type PartitionConfig struct {
	MaxEntries int
	TTL        time.Duration
	// StaleWindow extends how long an expired entry may still be served
	// (marked Stale) while a refresh is scheduled. Zero disables
	// stale-while-revalidate for this partition.
	StaleWindow time.Duration
}

// Config maps every category to its partition settings. Categories absent
// from the map fall back to DefaultPartitionConfig.
type Config struct {
	Partitions map[Category]PartitionConfig
}

func DefaultPartitionConfig() PartitionConfig {
	return PartitionConfig{MaxEntries: 1000, TTL: 5 * time.Minute, StaleWindow: time.Minute}
}

func DefaultConfig() Config {
	return Config{Partitions: map[Category]PartitionConfig{
		CategoryUserSettings:     {MaxEntries: 2000, TTL: 30 * time.Minute},
		CategoryMemoryRetrievals: {MaxEntries: 5000, TTL: 2 * time.Minute, StaleWindow: 30 * time.Second},
		CategoryAIResponses:      {MaxEntries: 10000, TTL: 10 * time.Minute, StaleWindow: 2 * time.Minute},
		CategoryFileMetadata:     {MaxEntries: 5000, TTL: time.Hour},
		CategoryEmbeddings:       {MaxEntries: 5000, TTL: 24 * time.Hour},
		CategoryThumbnails:       {MaxEntries: 2000, TTL: 24 * time.Hour},
		CategoryHealthData:       {MaxEntries: 2000, TTL: 15 * time.Minute},
		CategoryDeviceSettings:   {MaxEntries: 1000, TTL: 30 * time.Minute},
	}}
}

// Result wraps a cache hit with freshness metadata so callers can tell a
// fresh value from one served during its stale window.
type Result struct {
	Value any
	Stale bool
}

// Cache is a category-partitioned, bounded, TTL'd cache supporting
// stale-while-revalidate refresh coalesced via singleflight so concurrent
// refreshes for the same key collapse into one upstream call.
type Cache struct {
	mu         sync.Mutex
	partitions map[Category]*lruPartition
	configs    map[Category]PartitionConfig
	group      singleflight.Group

	hits   map[Category]*int64
	misses map[Category]*int64
	hmu    sync.Mutex
}

func New(cfg Config) *Cache {
	c := &Cache{
		partitions: make(map[Category]*lruPartition),
		configs:    cfg.Partitions,
		hits:       make(map[Category]*int64),
		misses:     make(map[Category]*int64),
	}
	if c.configs == nil {
		c.configs = make(map[Category]PartitionConfig)
	}
	return c
}

func (c *Cache) configFor(cat Category) PartitionConfig {
	if pc, ok := c.configs[cat]; ok {
		return pc
	}
	return DefaultPartitionConfig()
}

func (c *Cache) partitionFor(cat Category) *lruPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[cat]
	if !ok {
		pc := c.configFor(cat)
		p = newLRUPartition(pc.MaxEntries, pc.TTL, pc.StaleWindow)
		c.partitions[cat] = p
	}
	return p
}

// Get returns the cached value for key within category. ok is false on a
// true miss (absent or past its stale window). Result.Stale is true when
// the TTL expired but the entry is still within its stale window.
func (c *Cache) Get(ctx context.Context, cat Category, key string) (Result, bool) {
	p := c.partitionFor(cat)
	res, ok := p.get(key)
	c.record(cat, ok)
	return res, ok
}

// Put inserts or overwrites key within category.
func (c *Cache) Put(ctx context.Context, cat Category, key string, value any) {
	p := c.partitionFor(cat)
	p.set(key, value)
}

// InvalidatePrefix removes every key in category beginning with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, cat Category, prefix string) {
	p := c.partitionFor(cat)
	p.deletePrefix(prefix)
}

// GetOrRefresh returns a fresh or stale cached value immediately if
// present; on a stale hit it schedules exactly one coalesced refresh via
// fn and returns the stale value without blocking. On a true miss it
// blocks on fn (coalesced across concurrent callers for the same key) and
// caches the result.
func (c *Cache) GetOrRefresh(ctx context.Context, cat Category, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	res, ok := c.Get(ctx, cat, key)
	if ok && !res.Stale {
		return res.Value, nil
	}
	if ok && res.Stale {
		go c.refresh(cat, key, fn)
		return res.Value, nil
	}

	v, err, _ := c.group.Do(partitionKey(cat, key), func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	c.Put(ctx, cat, key, v)
	return v, nil
}

func (c *Cache) refresh(cat Category, key string, fn func(ctx context.Context) (any, error)) {
	v, err, _ := c.group.Do(partitionKey(cat, key), func() (any, error) {
		return fn(context.Background())
	})
	if err != nil {
		return
	}
	c.Put(context.Background(), cat, key, v)
}

func partitionKey(cat Category, key string) string {
	return string(cat) + ":" + key
}

func (c *Cache) record(cat Category, hit bool) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if _, ok := c.hits[cat]; !ok {
		var h, m int64
		c.hits[cat] = &h
		c.misses[cat] = &m
	}
	if hit {
		*c.hits[cat]++
	} else {
		*c.misses[cat]++
	}
}

// HitMissStats reports cumulative hit/miss counts for category.
func (c *Cache) HitMissStats(cat Category) (hits, misses int64) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if h, ok := c.hits[cat]; ok {
		hits = *h
	}
	if m, ok := c.misses[cat]; ok {
		misses = *m
	}
	return
}

// KeyForAIResponse builds the cache key for an AI-response partition entry
// by combining a compact hash of the normalized last user message with the
// provider tag, model tag, and user id.
func KeyForAIResponse(lastUserMessage, providerTag, modelTag, userID string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(lastUserMessage)), " ")
	sum := sha256.Sum256([]byte(normalized))
	hash := hex.EncodeToString(sum[:8])
	return hash + ":" + providerTag + ":" + modelTag + ":" + userID
}

// lruPartition is a bounded, TTL'd LRU keyed cache with an optional
// stale-while-revalidate grace window, implemented as a doubly linked list
// plus map for O(1) get/set/evict — the same shape as the teacher's
// LRUCache, extended with a stale window.
type lruPartition struct {
	mu          sync.Mutex
	capacity    int
	ttl         time.Duration
	staleWindow time.Duration
	items       map[string]*list.Element
	order       *list.List
}

type entry struct {
	key       string
	value     any
	expiresAt time.Time
}

func newLRUPartition(capacity int, ttl, staleWindow time.Duration) *lruPartition {
	if capacity <= 0 {
		capacity = 1000
	}
	return &lruPartition{
		capacity:    capacity,
		ttl:         ttl,
		staleWindow: staleWindow,
		items:       make(map[string]*list.Element),
		order:       list.New(),
	}
}

func (p *lruPartition) get(key string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	el, ok := p.items[key]
	if !ok {
		return Result{}, false
	}
	e := el.Value.(*entry)
	now := time.Now()

	if now.After(e.expiresAt.Add(p.staleWindow)) {
		p.order.Remove(el)
		delete(p.items, key)
		return Result{}, false
	}

	p.order.MoveToFront(el)
	return Result{Value: e.value, Stale: now.After(e.expiresAt)}, true
}

func (p *lruPartition) set(key string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = time.Now().Add(p.ttl)
		p.order.MoveToFront(el)
		return
	}

	if p.order.Len() >= p.capacity {
		tail := p.order.Back()
		if tail != nil {
			p.order.Remove(tail)
			delete(p.items, tail.Value.(*entry).key)
		}
	}

	e := &entry{key: key, value: value, expiresAt: time.Now().Add(p.ttl)}
	el := p.order.PushFront(e)
	p.items[key] = el
}

func (p *lruPartition) deletePrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, el := range p.items {
		if strings.HasPrefix(key, prefix) {
			p.order.Remove(el)
			delete(p.items, key)
		}
	}
}
