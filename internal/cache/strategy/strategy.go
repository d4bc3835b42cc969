// Package strategy computes TTL and backend placement decisions for cache
// entries based on content characteristics and access history. It performs
// no I/O: given identical inputs and an identical adaptive-weights snapshot,
// Decide always returns the same decision.
package strategy

import (
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// Strategy names selectable through configuration or per-set options.
const (
	NameKoreanOptimized = "korean-optimized"
	NameLRU             = "lru"
	NameAdaptive        = "adaptive"
)

// TTL tiers, in decision precedence order: size-based shortening beats the
// content boost, and frequency promotion beats both.
const (
	TierDefault  = "default"
	TierBoosted  = "boosted"
	TierLarge    = "large"
	TierFrequent = "frequent"
)

// Placement targets. These mirror the backend routing names.
const (
	PlaceMemory = "memory"
	PlaceRedis  = "redis"
	PlaceFile   = "file"
)

// AccessPattern carries per-key access history, maintained by the manager.
type AccessPattern struct {
	AccessCount    int64
	LastAccessedAt time.Time
	AvgIntervalMs  float64
}

// Decision is the engine's output for one entry.
type Decision struct {
	TTL     time.Duration
	Backend string
	Tier    string
}

// Config holds the tunable thresholds of the rule set.
type Config struct {
	TTLDefault  time.Duration
	TTLLarge    time.Duration
	TTLFrequent time.Duration

	// KoreanBoostFactor lengthens the TTL of mixed-script Korean content.
	KoreanBoostFactor float64

	// MediumSizeBytes and LargeSizeBytes split payloads into the three
	// placement classes.
	MediumSizeBytes int64
	LargeSizeBytes  int64

	// FrequentThreshold is the access count above which an entry is
	// promoted to the frequent TTL tier.
	FrequentThreshold int64
}

// DefaultConfig fills the thresholds not exposed through service config.
func DefaultConfig() Config {
	return Config{
		TTLDefault:        30 * time.Minute,
		TTLLarge:          10 * time.Minute,
		TTLFrequent:       2 * time.Hour,
		KoreanBoostFactor: 1.3,
		MediumSizeBytes:   1024,
		LargeSizeBytes:    100 * 1024,
		FrequentThreshold: 10,
	}
}

// classStats tracks observed hit rates per content class for the adaptive
// strategy. Snapshots are immutable; updates go through a single writer.
type classStats struct {
	KoreanHits   int64
	KoreanTotal  int64
	GeneralHits  int64
	GeneralTotal int64
}

// koreanWeight maps the Korean class hit rate into [0,1]. A class that hits
// well keeps its full boost; one that misses loses it.
func (s classStats) koreanWeight() float64 {
	if s.KoreanTotal == 0 {
		return 1.0
	}
	return float64(s.KoreanHits) / float64(s.KoreanTotal)
}

// Engine is the decision engine. Safe for concurrent use.
type Engine struct {
	cfg Config

	// Adaptive weighting table: readers load a snapshot, writers are
	// serialized by writeMu and publish a fresh copy.
	writeMu  sync.Mutex
	snapshot atomic.Value // classStats
}

// New creates an engine with the given thresholds.
func New(cfg Config) *Engine {
	e := &Engine{cfg: cfg}
	e.snapshot.Store(classStats{})
	return e
}

// Decide computes the TTL and backend placement for a value under the named
// strategy.
//
// Rule precedence: the Korean-content boost applies first, size-based
// shortening overrides it, and frequency promotion overrides both.
func (e *Engine) Decide(strategyName string, value []byte, pattern AccessPattern) Decision {
	size := int64(len(value))
	korean := ContainsKorean(value)

	boost := e.boostFor(strategyName, korean)

	ttl := e.cfg.TTLDefault
	tier := TierDefault
	if boost > 1.0 {
		ttl = time.Duration(float64(ttl) * boost)
		tier = TierBoosted
	}
	if size >= e.cfg.LargeSizeBytes {
		// Large-but-popular content does not escape the short TTL here;
		// only the frequency rule below may override it.
		ttl = e.cfg.TTLLarge
		tier = TierLarge
	}
	if pattern.AccessCount >= e.cfg.FrequentThreshold {
		ttl = e.cfg.TTLFrequent
		tier = TierFrequent
	}

	return Decision{
		TTL:     ttl,
		Backend: e.placement(size, korean),
		Tier:    tier,
	}
}

// RecordOutcome feeds hit/miss observations into the adaptive weighting
// table. Only the adaptive strategy consults it; recording is cheap enough
// to do unconditionally.
func (e *Engine) RecordOutcome(korean bool, hit bool) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	stats := e.snapshot.Load().(classStats)
	if korean {
		stats.KoreanTotal++
		if hit {
			stats.KoreanHits++
		}
	} else {
		stats.GeneralTotal++
		if hit {
			stats.GeneralHits++
		}
	}
	e.snapshot.Store(stats)
}

// boostFor resolves the effective TTL boost factor for Korean content under
// the given strategy.
func (e *Engine) boostFor(strategyName string, korean bool) float64 {
	if !korean {
		return 1.0
	}
	switch strategyName {
	case NameLRU:
		// Pure recency/frequency rules, no content awareness.
		return 1.0
	case NameAdaptive:
		weight := e.snapshot.Load().(classStats).koreanWeight()
		return 1.0 + (e.cfg.KoreanBoostFactor-1.0)*weight
	default:
		return e.cfg.KoreanBoostFactor
	}
}

// placement routes large payloads to the file backend, medium-sized Korean
// content to the remote backend where compression pays off, and everything
// else to memory.
func (e *Engine) placement(size int64, korean bool) string {
	switch {
	case size >= e.cfg.LargeSizeBytes:
		return PlaceFile
	case korean && size >= e.cfg.MediumSizeBytes:
		return PlaceRedis
	default:
		return PlaceMemory
	}
}

// ContainsKorean reports whether the payload contains a meaningful share of
// Hangul text. A handful of letters inside a large Latin document does not
// qualify; mixed Korean/Latin content does.
func ContainsKorean(value []byte) bool {
	var hangul, letters int
	for _, r := range string(value) {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Hangul, r) {
			hangul++
		}
	}
	if hangul == 0 || letters == 0 {
		return false
	}
	return float64(hangul)/float64(letters) >= 0.05
}
