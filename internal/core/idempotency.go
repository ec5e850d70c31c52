package core

import (
	"LendLedger/internal/observability"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity, metrics),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return fmt.Sprintf("%s:%s", eventType, idempotencyKey)
}

// IsDuplicate checks if event has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(key) {
		ic.recordDuplicate(eventType, "lru")
		return true
	}

	// Tier 2: Postgres check (cold path)
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// Assume not duplicate: a DB outage must not stall the core.
			ic.logger.Warn().Err(err).Str("event_type", eventType).Msg("tier-2 idempotency lookup failed")
			ic.recordDuplicate(eventType, "postgres_error")
			return false
		}

		if isDup {
			ic.recordDuplicate(eventType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey))
}

func (ic *IdempotencyChecker) recordDuplicate(eventType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is an LRU cache for composite idempotency keys.
// Not thread-safe: only accessed from the single-threaded processor.
type IdempotencyLRU struct {
	cache     *lru.Cache[string, struct{}]
	evictions int64
	metrics   *observability.Metrics
}

func NewIdempotencyLRU(capacity int, metrics *observability.Metrics) *IdempotencyLRU {
	l := &IdempotencyLRU{metrics: metrics}
	cache, err := lru.NewWithEvict[string, struct{}](capacity, func(string, struct{}) {
		l.evictions++
		if l.metrics != nil {
			l.metrics.DedupLRUEvictions.Inc()
		}
	})
	if err != nil {
		panic(fmt.Sprintf("FATAL: idempotency LRU capacity %d: %v", capacity, err))
	}
	l.cache = cache
	return l
}

// Contains checks if key exists (promotes to front)
func (l *IdempotencyLRU) Contains(key string) bool {
	_, ok := l.cache.Get(key)
	return ok
}

// Add inserts a key (or promotes if exists)
func (l *IdempotencyLRU) Add(key string) {
	l.cache.Add(key, struct{}{})
	l.updateSize()
}

// WarmFromKeys loads recently processed composite keys, oldest first, so a
// restart does not fall through to the DB for them.
func (l *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if l.cache.Contains(key) {
			continue
		}
		l.cache.Add(key, struct{}{})
	}
	l.updateSize()
}

// Size returns current number of entries
func (l *IdempotencyLRU) Size() int {
	return l.cache.Len()
}

// Evictions returns total evictions (for metrics)
func (l *IdempotencyLRU) Evictions() int64 {
	return l.evictions
}

// GetAllKeys returns keys from oldest to newest.
func (l *IdempotencyLRU) GetAllKeys() []string {
	return l.cache.Keys()
}

func (l *IdempotencyLRU) updateSize() {
	if l.metrics != nil {
		l.metrics.DedupLRUSize.Set(float64(l.cache.Len()))
	}
}
