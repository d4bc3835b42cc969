// Package manager orchestrates the cache: it routes operations across the
// configured backends in priority order, delegates TTL and placement to the
// strategy engine, promotes fallback hits into faster backends, maintains
// the tag index for group invalidation, and feeds every operation to the
// monitor.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"krds-cache/internal/cache/backend"
	"krds-cache/internal/cache/monitor"
	"krds-cache/internal/cache/strategy"
	"krds-cache/internal/cacheerrors"
	"krds-cache/internal/config"
	"krds-cache/internal/logging"
)

// Priority marks how reluctant eviction should be for an entry.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Options tune a single Set call. Zero values defer to the strategy engine.
type Options struct {
	// TTL overrides the strategy decision when positive.
	TTL time.Duration
	// Strategy selects a rule set for this entry only.
	Strategy string
	// Tags enroll the entry for group invalidation.
	Tags []string
	// Priority is stored with the entry.
	Priority Priority
	// BackendHint forces placement onto a named backend.
	BackendHint string
}

// InvalidateOptions selects entries by tag and/or explicit key.
type InvalidateOptions struct {
	Tags []string
	Keys []string
}

// envelope is the serialized projection stored in backends. The manager is
// the source of truth for the logical TTL: ExpiresAt travels with the value
// so a promotion carries the remaining lifetime instead of restarting it.
type envelope struct {
	Value     json.RawMessage `json:"v"`
	Tags      []string        `json:"tags,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Priority  string          `json:"priority,omitempty"`
	Korean    bool            `json:"korean,omitempty"`
}

// Manager is the cache orchestrator. Safe for concurrent use.
type Manager struct {
	cfg      *config.Config
	backends map[string]backend.Backend
	order    []backend.Backend
	memory   *backend.Memory
	engine   *strategy.Engine
	mon      *monitor.Monitor
	logger   logging.Logger

	mu       sync.Mutex
	tagIndex map[string]map[string]struct{}
	keyTags  map[string][]string
	patterns map[string]*strategy.AccessPattern

	scheduler    *cron.Cron
	promotions   sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// New wires the manager from validated configuration and constructed
// collaborators, and starts the scheduled maintenance tasks (metrics window
// rotation and file backend cleanup).
func New(cfg *config.Config, backends []backend.Backend, engine *strategy.Engine, mon *monitor.Monitor, logger logging.Logger) (*Manager, error) {
	byName := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}

	// Only backends in the priority chain participate: a placement outside
	// the chain would take writes that Get never consults.
	var order []backend.Backend
	routed := make(map[string]backend.Backend, len(cfg.BackendPriority))
	for _, name := range cfg.BackendPriority {
		b, ok := byName[name]
		if !ok {
			return nil, cacheerrors.ConfigError(fmt.Sprintf("backend %q in priority list was not constructed", name))
		}
		order = append(order, b)
		routed[name] = b
	}
	if len(order) == 0 {
		return nil, cacheerrors.ConfigError("no backends configured")
	}
	byName = routed

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		backends: byName,
		order:    order,
		engine:   engine,
		mon:      mon,
		logger:   logger,
		tagIndex: make(map[string]map[string]struct{}),
		keyTags:  make(map[string][]string),
		patterns: make(map[string]*strategy.AccessPattern),
		ctx:      ctx,
		cancel:   cancel,
	}
	if mem, ok := byName[backend.NameMemory].(*backend.Memory); ok {
		m.memory = mem
	}

	if err := m.startScheduler(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

// startScheduler registers the periodic maintenance tasks. Both stop during
// Shutdown before backends close.
func (m *Manager) startScheduler() error {
	m.scheduler = cron.New()

	_, err := m.scheduler.AddFunc("@every "+m.cfg.MetricsInterval.String(), func() {
		if m.memory != nil {
			m.mon.SetMemoryUtilization(m.memory.Utilization())
		}
		m.mon.Rotate()
	})
	if err != nil {
		return cacheerrors.ConfigError(fmt.Sprintf("invalid metrics interval: %v", err))
	}

	if fileBackend, ok := m.backends[backend.NameFile].(*backend.File); ok {
		_, err = m.scheduler.AddFunc(m.cfg.FileCleanupSchedule, func() {
			if err := fileBackend.Cleanup(m.ctx); err != nil {
				m.logger.Warn("file cache cleanup failed", logging.Err(err))
			}
		})
		if err != nil {
			return cacheerrors.ConfigError(fmt.Sprintf("invalid FILE_CLEANUP_SCHEDULE: %v", err))
		}
	}

	m.scheduler.Start()
	return nil
}

// Get returns the cached value for key, querying backends in priority order
// and returning on the first hit. A hit in a non-primary backend triggers an
// asynchronous promotion into every faster backend; the caller is never
// blocked on it. A miss across all backends is (nil, false, nil); a chain
// where every backend failed surfaces an all_backends_unavailable error so
// "not cached" and "cache unavailable" stay distinct.
func (m *Manager) Get(ctx context.Context, key string) (interface{}, bool, error) {
	key = NormalizeKey(key)

	var lastErr error
	errored := 0

	for i, b := range m.order {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
		start := time.Now()
		data, found, err := b.Get(opCtx, key)
		latency := time.Since(start)
		cancel()

		if err != nil {
			m.mon.Record(b.Name(), monitor.OutcomeError, latency, 0, false)
			m.logger.Warn("backend get failed, falling back",
				logging.Field{Key: "backend", Value: b.Name()},
				logging.Err(err),
			)
			lastErr = err
			errored++
			continue
		}
		if !found {
			m.mon.Record(b.Name(), monitor.OutcomeMiss, latency, 0, false)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, false, cacheerrors.SerializationError("failed to decode cached entry", err)
		}

		// The manager owns the logical TTL; a backend may lag on expiry.
		if time.Now().After(env.ExpiresAt) {
			m.mon.Record(b.Name(), monitor.OutcomeMiss, latency, 0, false)
			m.removeKey(context.Background(), key)
			continue
		}

		m.mon.Record(b.Name(), monitor.OutcomeHit, latency, int64(len(data)), env.Korean)
		m.engine.RecordOutcome(env.Korean, true)
		m.touchPattern(key)
		m.registerTags(key, env.Tags)

		if i > 0 {
			m.promoteAsync(key, data, env.ExpiresAt, m.order[:i])
		}

		var value interface{}
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, false, cacheerrors.SerializationError("failed to decode cached value", err)
		}
		return value, true, nil
	}

	if errored == len(m.order) {
		return nil, false, cacheerrors.AllBackendsUnavailable("get", lastErr)
	}

	m.engine.RecordOutcome(false, false)
	return nil, false, nil
}

// Set stores value under key. TTL and placement come from the strategy
// engine unless overridden through opts. The write to the placement backend
// is authoritative and its failure propagates; the write-through copy into
// memory is best-effort.
func (m *Manager) Set(ctx context.Context, key string, value interface{}, opts Options) error {
	key = NormalizeKey(key)

	raw, err := json.Marshal(value)
	if err != nil {
		return cacheerrors.SerializationError("failed to encode value", err)
	}

	strategyName := m.cfg.StrategyName
	if opts.Strategy != "" {
		strategyName = opts.Strategy
	}
	decision := m.engine.Decide(strategyName, raw, m.patternFor(key))

	ttl := decision.TTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	placement := decision.Backend
	if opts.BackendHint != "" {
		if _, ok := m.backends[opts.BackendHint]; ok {
			placement = opts.BackendHint
		}
	}

	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	now := time.Now()
	env := envelope{
		Value:     raw,
		Tags:      opts.Tags,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Priority:  string(priority),
		Korean:    strategy.ContainsKorean(raw),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return cacheerrors.SerializationError("failed to encode entry", err)
	}

	primary, ok := m.backends[placement]
	if !ok {
		primary = m.order[0]
	}

	if err := m.writeBackend(ctx, primary, key, payload, ttl, env.Korean); err != nil {
		return err
	}

	// Write-through copy so reads hit the fastest tier immediately.
	if primary.Name() != backend.NameMemory {
		if mem, ok := m.backends[backend.NameMemory]; ok {
			if err := m.writeBackend(ctx, mem, key, payload, ttl, env.Korean); err != nil {
				m.logger.Warn("best-effort replica write failed",
					logging.Field{Key: "backend", Value: mem.Name()},
					logging.Err(err),
				)
			}
		}
	}

	m.registerTags(key, opts.Tags)
	m.touchPattern(key)
	return nil
}

// writeBackend performs one bounded backend write and records it.
func (m *Manager) writeBackend(ctx context.Context, b backend.Backend, key string, payload []byte, ttl time.Duration, korean bool) error {
	opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
	defer cancel()

	start := time.Now()
	err := b.Set(opCtx, key, payload, ttl)
	latency := time.Since(start)

	if err != nil {
		m.mon.Record(b.Name(), monitor.OutcomeError, latency, 0, korean)
		return err
	}
	m.mon.Record(b.Name(), monitor.OutcomeWrite, latency, int64(len(payload)), korean)
	return nil
}

// Invalidate removes every entry matching any given tag or explicit key
// from all backends and returns the number of logical entries removed.
// Once it returns, a Get for an invalidated key cannot observe the old
// value; remote backend deletions happen within this call's timeout budget.
func (m *Manager) Invalidate(ctx context.Context, opts InvalidateOptions) (int, error) {
	targets := make(map[string]struct{})

	m.mu.Lock()
	for _, tag := range opts.Tags {
		for key := range m.tagIndex[tag] {
			targets[key] = struct{}{}
		}
	}
	for _, key := range opts.Keys {
		targets[NormalizeKey(key)] = struct{}{}
	}
	tracked := make(map[string]bool, len(targets))
	for key := range targets {
		_, hasTags := m.keyTags[key]
		_, hasPattern := m.patterns[key]
		tracked[key] = hasTags || hasPattern
	}
	m.mu.Unlock()

	var errs *multierror.Error
	removed := 0
	for key := range targets {
		if err := m.removeKey(ctx, key); err != nil {
			errs = multierror.Append(errs, err)
		}
		if tracked[key] {
			removed++
		}
	}

	return removed, errs.ErrorOrNil()
}

// removeKey deletes key from every backend and drops its index records.
func (m *Manager) removeKey(ctx context.Context, key string) error {
	var errs *multierror.Error
	for _, b := range m.order {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
		err := b.Delete(opCtx, key)
		cancel()
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	m.mu.Lock()
	for _, tag := range m.keyTags[key] {
		if keys, ok := m.tagIndex[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.tagIndex, tag)
			}
		}
	}
	delete(m.keyTags, key)
	delete(m.patterns, key)
	m.mu.Unlock()

	return errs.ErrorOrNil()
}

// Stats collects per-backend statistics. A failed backend reports a zero
// Stats value rather than failing the whole call.
func (m *Manager) Stats(ctx context.Context) map[string]backend.Stats {
	out := make(map[string]backend.Stats, len(m.order))
	for _, b := range m.order {
		opCtx, cancel := context.WithTimeout(ctx, m.cfg.OpTimeout)
		stats, err := b.Stats(opCtx)
		cancel()
		if err != nil {
			m.logger.Debug("backend stats unavailable",
				logging.Field{Key: "backend", Value: b.Name()},
				logging.Err(err),
			)
		}
		out[b.Name()] = stats
	}
	return out
}

// GetMonitor exposes the live monitor for alert subscription.
func (m *Manager) GetMonitor() *monitor.Monitor {
	return m.mon
}

// Shutdown releases all resources exactly once: maintenance tasks stop,
// in-flight promotions flush, the monitor closes its subscriber channels,
// and backend connections close. Safe to call from a signal handler.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		stopCtx := m.scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}

		m.cancel()

		done := make(chan struct{})
		go func() {
			m.promotions.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warn("shutdown deadline reached with promotions still in flight")
		}

		m.mon.Stop()

		var errs *multierror.Error
		for _, b := range m.order {
			if err := b.Close(); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("closing %s backend: %w", b.Name(), err))
			}
		}
		m.shutdownErr = errs.ErrorOrNil()
	})
	return m.shutdownErr
}

// promoteAsync repopulates faster backends after a fallback hit. The copy
// carries the remaining TTL so the logical expiry is unchanged. Runs as an
// independent task flushed by Shutdown.
func (m *Manager) promoteAsync(key string, payload []byte, expiresAt time.Time, faster []backend.Backend) {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return
	}

	m.promotions.Add(1)
	go func() {
		defer m.promotions.Done()

		for _, b := range faster {
			if m.ctx.Err() != nil {
				return
			}
			opCtx, cancel := context.WithTimeout(m.ctx, m.cfg.OpTimeout)
			err := b.Set(opCtx, key, payload, remaining)
			cancel()
			if err != nil {
				m.logger.Debug("promotion write failed",
					logging.Field{Key: "backend", Value: b.Name()},
					logging.Field{Key: "key", Value: key},
					logging.Err(err),
				)
			}
		}
	}()
}

// registerTags records the key under each tag in the reverse index.
func (m *Manager) registerTags(key string, tags []string) {
	if len(tags) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tag := range tags {
		keys, ok := m.tagIndex[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tagIndex[tag] = keys
		}
		keys[key] = struct{}{}
	}
	m.keyTags[key] = tags
}

// touchPattern updates the per-key access counters consulted by the
// strategy engine for TTL promotion.
func (m *Manager) touchPattern(key string) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patterns[key]
	if !ok {
		m.patterns[key] = &strategy.AccessPattern{AccessCount: 1, LastAccessedAt: now}
		return
	}

	interval := float64(now.Sub(p.LastAccessedAt).Milliseconds())
	if p.AvgIntervalMs == 0 {
		p.AvgIntervalMs = interval
	} else {
		// Exponential moving average keeps the counter O(1) per access.
		p.AvgIntervalMs = p.AvgIntervalMs*0.8 + interval*0.2
	}
	p.AccessCount++
	p.LastAccessedAt = now
}

// patternFor returns a copy of the key's access pattern.
func (m *Manager) patternFor(key string) strategy.AccessPattern {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.patterns[key]; ok {
		return *p
	}
	return strategy.AccessPattern{}
}
