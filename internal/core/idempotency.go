package core

import (
	"WardProtocol/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// SeenStore is the persisted dedupe tier: it reports whether a default
// transaction was already recorded.
type SeenStore interface {
	SeenTx(ctx context.Context, txHash string) (bool, error)
}

// Deduper implements two-tier deduplication of ledger transactions by hash.
type Deduper struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *HashLRU

	// Tier 2: Postgres (injected via interface)
	store SeenStore

	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewDeduper(capacity int, store SeenStore, logger zerolog.Logger, metrics *observability.Metrics) *Deduper {
	if capacity <= 0 {
		capacity = 100_000
	}
	return &Deduper{
		lru:     NewHashLRU(capacity),
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
}

// Seen reports whether txHash has been processed (two-tier lookup).
func (d *Deduper) Seen(ctx context.Context, txHash string) bool {
	d.mu.Lock()
	hit := d.lru.Contains(txHash)
	d.mu.Unlock()

	// Tier 1: LRU check (hot path)
	if hit {
		d.record("lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if d.store == nil {
		return false
	}
	seen, err := d.store.SeenTx(ctx, txHash)
	if err != nil {
		// Assume not seen; the unique key on default events still rejects a
		// real duplicate downstream.
		d.logger.Warn().Err(err).Str("tx_hash", txHash).Msg("dedupe store lookup failed")
		d.record("store_error")
		return false
	}
	if seen {
		d.record("store")
		d.MarkProcessed(txHash)
	}
	return seen
}

// MarkProcessed adds txHash to the LRU after successful processing.
func (d *Deduper) MarkProcessed(txHash string) {
	d.mu.Lock()
	d.lru.Add(txHash)
	d.mu.Unlock()
}

// Warm loads recently processed hashes so a restart does not fall through
// to the store for them.
func (d *Deduper) Warm(hashes []string) {
	d.mu.Lock()
	for _, h := range hashes {
		d.lru.Add(h)
	}
	d.mu.Unlock()
}

func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.Size()
}

func (d *Deduper) record(tier string) {
	if d.metrics != nil {
		d.metrics.EventsDeduplicated.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// HashLRU is an LRU set of transaction hashes. Not thread-safe; Deduper
// guards it.
type HashLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewHashLRU(capacity int) *HashLRU {
	return &HashLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *HashLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *HashLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *HashLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *HashLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *HashLRU) Evictions() int64 {
	return lru.evictions
}
