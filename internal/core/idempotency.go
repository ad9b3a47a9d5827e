package core

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"PerpLiquidator/internal/observability"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of liquidation
// requests: an in-memory LRU in front of a durable lookup.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: database (injected via interface)
	dbChecker DBIdempotencyChecker

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// DBIdempotencyChecker is the interface for the durable dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(ctx context.Context, kind string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, logger zerolog.Logger, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		logger:    logger,
		metrics:   metrics,
	}
}

func compositeKey(kind, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", kind, idempotencyKey)
}

// IsDuplicate checks if a request has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, kind string, idempotencyKey string) bool {
	key := compositeKey(kind, idempotencyKey)

	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	ic.mu.Unlock()

	// Tier 1: LRU check (hot path)
	if hit {
		ic.recordDuplicate("lru")
		return true
	}

	// Tier 2: database check (cold path)
	if ic.dbChecker == nil {
		return false
	}

	isDup, err := ic.dbChecker.IsDuplicate(ctx, kind, idempotencyKey)
	if err != nil {
		// Conservative: assume not duplicate. The records table's
		// (owner, timestamp) uniqueness still stops a double settlement.
		ic.logger.Warn().Err(err).Str("key", key).Msg("idempotency db lookup failed")
		if ic.metrics != nil {
			ic.metrics.PersistErrors.WithLabelValues("idempotency_lookup").Inc()
		}
		return false
	}

	if isDup {
		ic.recordDuplicate("db")
		// Add to LRU so we don't hit DB again
		ic.add(key)
		return true
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(kind string, idempotencyKey string) {
	ic.add(compositeKey(kind, idempotencyKey))
}

// Warm loads recently processed keys, e.g. from the database on restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	ic.lru.WarmFromKeys(keys)
	ic.mu.Unlock()
	ic.refreshGauge()
}

func (ic *IdempotencyChecker) add(key string) {
	ic.mu.Lock()
	evicted := ic.lru.Add(key)
	ic.mu.Unlock()

	if ic.metrics != nil && evicted {
		ic.metrics.DedupLRUEvictions.Inc()
	}
	ic.refreshGauge()
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

func (ic *IdempotencyChecker) refreshGauge() {
	if ic.metrics == nil {
		return
	}
	ic.mu.Lock()
	size := ic.lru.Size()
	ic.mu.Unlock()
	ic.metrics.DedupLRUSize.Set(float64(size))
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64 // For metrics
}

type lruEntry struct {
	key string
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		// Move to front (most recently used)
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists). It reports whether an entry
// was evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	// Check if already exists
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	// Add new entry
	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	// Evict if over capacity
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU, oldest first.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
