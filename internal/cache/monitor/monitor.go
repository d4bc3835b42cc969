// Package monitor aggregates per-backend and aggregate cache metrics over
// rolling windows, detects threshold breaches with hysteresis, and exposes
// alert events as a subscribable stream.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome classifies one observed cache operation.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeMiss
	OutcomeError
	// OutcomeWrite is a successful set. It feeds latency and availability
	// but is excluded from the hit rate.
	OutcomeWrite
)

// Alert types emitted when thresholds are crossed.
const (
	AlertHitRateLow      = "hit_rate_low"
	AlertLatencyHigh     = "latency_high"
	AlertErrorRateHigh   = "error_rate_high"
	AlertMemoryUtilHigh  = "memory_utilization_high"
	AlertAvailabilityLow = "availability_low"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event kinds on the subscription stream.
const (
	EventAlert         = "alert"
	EventAlertResolved = "alert-resolved"
)

// Thresholds holds the alerting configuration.
type Thresholds struct {
	HitRateMin      float64
	LatencyMax      time.Duration
	ErrorRateMax    float64
	MemoryUtilMax   float64
	AvailabilityMin float64

	// Hysteresis is the recovery margin preventing alert flapping at the
	// boundary. Applied additively to ratio thresholds and relatively to
	// the latency threshold.
	Hysteresis float64
}

// DefaultHysteresis is used when Thresholds.Hysteresis is zero.
const DefaultHysteresis = 0.05

// PerformanceAlert is one threshold breach and its lifecycle.
type PerformanceAlert struct {
	Type        string     `json:"type"`
	Severity    string     `json:"severity"`
	Message     string     `json:"message"`
	Backend     string     `json:"backend,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AlertEvent is what subscribers receive: an alert firing or resolving.
type AlertEvent struct {
	Kind  string           `json:"kind"`
	Alert PerformanceAlert `json:"alert"`
}

// backendCounters accumulates observations for one backend within a window.
type backendCounters struct {
	Hits         int64
	Misses       int64
	Errors       int64
	Writes       int64
	TotalLatency time.Duration
	Bytes        int64
}

func (c *backendCounters) ops() int64 {
	return c.Hits + c.Misses + c.Errors + c.Writes
}

func (c *backendCounters) availability() float64 {
	ops := c.ops()
	if ops == 0 {
		return 1.0
	}
	return float64(ops-c.Errors) / float64(ops)
}

// window is one metrics accumulation period.
type window struct {
	Start    time.Time
	Backends map[string]*backendCounters
	Korean   int64
}

func newWindow(now time.Time) *window {
	return &window{Start: now, Backends: make(map[string]*backendCounters)}
}

func (w *window) backend(name string) *backendCounters {
	c, ok := w.Backends[name]
	if !ok {
		c = &backendCounters{}
		w.Backends[name] = c
	}
	return c
}

func (w *window) aggregate() backendCounters {
	var agg backendCounters
	for _, c := range w.Backends {
		agg.Hits += c.Hits
		agg.Misses += c.Misses
		agg.Errors += c.Errors
		agg.Writes += c.Writes
		agg.TotalLatency += c.TotalLatency
		agg.Bytes += c.Bytes
	}
	return agg
}

func (c backendCounters) hitRate() float64 {
	lookups := c.Hits + c.Misses
	if lookups == 0 {
		return 0
	}
	return float64(c.Hits) / float64(lookups)
}

func (c backendCounters) errorRate() float64 {
	ops := c.ops()
	if ops == 0 {
		return 0
	}
	return float64(c.Errors) / float64(ops)
}

func (c backendCounters) avgLatency() time.Duration {
	ops := c.ops()
	if ops == 0 {
		return 0
	}
	return c.TotalLatency / time.Duration(ops)
}

// Snapshot is the point-in-time view returned by GetCurrentMetrics.
type Snapshot struct {
	WindowStart       time.Time                  `json:"window_start"`
	HitRate           float64                    `json:"hit_rate"`
	AvgLatencyMs      float64                    `json:"avg_latency_ms"`
	ErrorRate         float64                    `json:"error_rate"`
	MemoryUtilization float64                    `json:"memory_utilization"`
	KoreanEntries     int64                      `json:"korean_entries"`
	Backends          map[string]BackendSnapshot `json:"backends"`
}

// BackendSnapshot is the per-backend slice of a Snapshot.
type BackendSnapshot struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	Availability float64 `json:"availability"`
}

// Trend describes the movement of one metric between windows.
type Trend struct {
	Metric    string  `json:"metric"`
	Direction string  `json:"direction"` // improving, degrading or stable
	ChangePct float64 `json:"change_pct"`
}

// Summary is a human-oriented digest with ranked recommendations.
type Summary struct {
	Digest          string   `json:"digest"`
	Recommendations []string `json:"recommendations"`
}

// Monitor observes every manager operation, keeps the accumulating window
// plus the two completed windows before it, and fires alert events exactly
// once per threshold crossing. Window rotation is driven externally on the
// metrics interval.
type Monitor struct {
	thresholds Thresholds

	mu          sync.Mutex
	current     *window
	previous    *window
	prior       *window
	memoryUtil  float64
	active      map[string]*PerformanceAlert
	subscribers []chan AlertEvent
	stopped     bool
}

// New creates a monitor with the given thresholds.
func New(thresholds Thresholds) *Monitor {
	if thresholds.Hysteresis <= 0 {
		thresholds.Hysteresis = DefaultHysteresis
	}
	return &Monitor{
		thresholds: thresholds,
		current:    newWindow(time.Now()),
		previous:   newWindow(time.Now()),
		prior:      newWindow(time.Now()),
		active:     make(map[string]*PerformanceAlert),
	}
}

// Record observes one operation against one backend.
func (m *Monitor) Record(backend string, outcome Outcome, latency time.Duration, bytes int64, korean bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.current.backend(backend)
	switch outcome {
	case OutcomeHit:
		c.Hits++
	case OutcomeMiss:
		c.Misses++
	case OutcomeError:
		c.Errors++
	case OutcomeWrite:
		c.Writes++
	}
	c.TotalLatency += latency
	c.Bytes += bytes
	if korean && outcome != OutcomeError {
		m.current.Korean++
	}
}

// SetMemoryUtilization updates the memory backend utilization gauge.
func (m *Monitor) SetMemoryUtilization(rate float64) {
	m.mu.Lock()
	m.memoryUtil = rate
	m.mu.Unlock()
}

// Rotate closes the current window, evaluates thresholds over it and starts
// a fresh one. Called on every metrics interval.
func (m *Monitor) Rotate() {
	m.mu.Lock()
	completed := m.current
	m.prior = m.previous
	m.previous = completed
	m.current = newWindow(time.Now())
	events := m.evaluateLocked(completed)
	subscribers := append([]chan AlertEvent(nil), m.subscribers...)
	stopped := m.stopped
	m.mu.Unlock()

	if stopped {
		return
	}
	for _, ev := range events {
		for _, sub := range subscribers {
			select {
			case sub <- ev:
			default:
				// A slow subscriber never blocks the metrics path.
			}
		}
	}
}

// Subscribe returns a channel receiving alert and alert-resolved events.
// The channel is closed by Stop.
func (m *Monitor) Subscribe() <-chan AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan AlertEvent, 16)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Stop closes all subscriber channels. No events fire afterward.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	m.stopped = true
	for _, sub := range m.subscribers {
		close(sub)
	}
	m.subscribers = nil
}

// GetCurrentMetrics returns a snapshot of the accumulating window.
func (m *Monitor) GetCurrentMetrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(m.current)
}

// ActiveAlerts returns the alerts currently firing.
func (m *Monitor) ActiveAlerts() []PerformanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PerformanceAlert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out
}

// AnalyzeTrends compares the two most recently completed windows, returning
// the direction and percentage change per metric. The in-progress window is
// excluded: a partial interval would skew every rate against a full one.
func (m *Monitor) AnalyzeTrends() []Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.previous.aggregate()
	prev := m.prior.aggregate()

	return []Trend{
		trendOf("hit_rate", prev.hitRate(), cur.hitRate(), true),
		trendOf("avg_latency_ms", float64(prev.avgLatency().Milliseconds()), float64(cur.avgLatency().Milliseconds()), false),
		trendOf("error_rate", prev.errorRate(), cur.errorRate(), false),
	}
}

// GetPerformanceSummary produces a digest plus recommendations ranked by
// how far each metric sits from its threshold.
func (m *Monitor) GetPerformanceSummary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshotLocked(m.current)
	agg := m.current.aggregate()

	type ranked struct {
		severity float64
		text     string
	}
	var recs []ranked

	if agg.Hits+agg.Misses > 0 && snap.HitRate < m.thresholds.HitRateMin {
		recs = append(recs, ranked{
			severity: m.thresholds.HitRateMin - snap.HitRate,
			text:     "hit rate below target: consider increasing TTL tiers or reviewing the eviction bounds",
		})
	}
	if latencyMs := float64(m.thresholds.LatencyMax.Milliseconds()); latencyMs > 0 && snap.AvgLatencyMs > latencyMs {
		recs = append(recs, ranked{
			severity: (snap.AvgLatencyMs - latencyMs) / latencyMs,
			text:     "average latency above target: check remote backend connectivity and payload sizes",
		})
	}
	if snap.MemoryUtilization > m.thresholds.MemoryUtilMax {
		recs = append(recs, ranked{
			severity: snap.MemoryUtilization - m.thresholds.MemoryUtilMax,
			text:     "memory utilization high: raise the memory bounds or shorten default TTLs",
		})
	}
	for name, b := range snap.Backends {
		if b.Availability < m.thresholds.AvailabilityMin {
			recs = append(recs, ranked{
				severity: m.thresholds.AvailabilityMin - b.Availability,
				text:     fmt.Sprintf("backend %s availability low: check its connectivity and error logs", name),
			})
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].severity > recs[j].severity })
	texts := make([]string, 0, len(recs))
	for _, r := range recs {
		texts = append(texts, r.text)
	}

	digest := fmt.Sprintf(
		"hit rate %.1f%%, avg latency %.1fms, error rate %.1f%%, memory utilization %.1f%%, %d Korean entries, %d active alerts",
		snap.HitRate*100, snap.AvgLatencyMs, snap.ErrorRate*100, snap.MemoryUtilization*100, snap.KoreanEntries, len(m.active),
	)

	return Summary{Digest: digest, Recommendations: texts}
}

func (m *Monitor) snapshotLocked(w *window) Snapshot {
	agg := w.aggregate()
	snap := Snapshot{
		WindowStart:       w.Start,
		HitRate:           agg.hitRate(),
		AvgLatencyMs:      float64(agg.avgLatency().Microseconds()) / 1000.0,
		ErrorRate:         agg.errorRate(),
		MemoryUtilization: m.memoryUtil,
		KoreanEntries:     w.Korean,
		Backends:          make(map[string]BackendSnapshot, len(w.Backends)),
	}
	for name, c := range w.Backends {
		snap.Backends[name] = BackendSnapshot{
			Hits:         c.Hits,
			Misses:       c.Misses,
			Errors:       c.Errors,
			AvgLatencyMs: float64(c.avgLatency().Microseconds()) / 1000.0,
			Availability: c.availability(),
		}
	}
	return snap
}

// evaluateLocked runs threshold checks over a completed window and returns
// the events to emit. Caller holds mu.
func (m *Monitor) evaluateLocked(w *window) []AlertEvent {
	var events []AlertEvent
	agg := w.aggregate()
	h := m.thresholds.Hysteresis

	if agg.Hits+agg.Misses > 0 {
		rate := agg.hitRate()
		events = append(events, m.transitionLocked(
			AlertHitRateLow, "",
			rate < m.thresholds.HitRateMin,
			rate >= m.thresholds.HitRateMin+h,
			fmt.Sprintf("hit rate %.1f%% below minimum %.1f%%", rate*100, m.thresholds.HitRateMin*100),
			m.thresholds.HitRateMin-rate,
		)...)
	}

	if agg.ops() > 0 {
		lat := agg.avgLatency()
		limit := m.thresholds.LatencyMax
		events = append(events, m.transitionLocked(
			AlertLatencyHigh, "",
			lat > limit,
			float64(lat) <= float64(limit)*(1.0-h),
			fmt.Sprintf("average latency %s above maximum %s", lat, limit),
			float64(lat-limit)/float64(limit),
		)...)

		rate := agg.errorRate()
		events = append(events, m.transitionLocked(
			AlertErrorRateHigh, "",
			rate > m.thresholds.ErrorRateMax,
			rate <= m.thresholds.ErrorRateMax-h || rate == 0,
			fmt.Sprintf("error rate %.1f%% above maximum %.1f%%", rate*100, m.thresholds.ErrorRateMax*100),
			rate-m.thresholds.ErrorRateMax,
		)...)
	}

	events = append(events, m.transitionLocked(
		AlertMemoryUtilHigh, "",
		m.memoryUtil > m.thresholds.MemoryUtilMax,
		m.memoryUtil <= m.thresholds.MemoryUtilMax-h,
		fmt.Sprintf("memory utilization %.1f%% above maximum %.1f%%", m.memoryUtil*100, m.thresholds.MemoryUtilMax*100),
		m.memoryUtil-m.thresholds.MemoryUtilMax,
	)...)

	for name, c := range w.Backends {
		if c.ops() == 0 {
			continue
		}
		avail := c.availability()
		events = append(events, m.transitionLocked(
			AlertAvailabilityLow, name,
			avail < m.thresholds.AvailabilityMin,
			avail >= m.thresholds.AvailabilityMin+h,
			fmt.Sprintf("backend %s availability %.1f%% below minimum %.1f%%", name, avail*100, m.thresholds.AvailabilityMin*100),
			m.thresholds.AvailabilityMin-avail,
		)...)
	}

	return events
}

// transitionLocked applies the exactly-once alert state machine for one
// metric: fire on the breach crossing, resolve only once the recovery
// condition (threshold plus hysteresis) holds. Caller holds mu.
func (m *Monitor) transitionLocked(alertType, backend string, breached, recovered bool, message string, margin float64) []AlertEvent {
	key := alertType
	if backend != "" {
		key = alertType + ":" + backend
	}

	active, isActive := m.active[key]
	switch {
	case breached && !isActive:
		severity := SeverityWarning
		if margin > 0.25 {
			severity = SeverityCritical
		}
		alert := &PerformanceAlert{
			Type:        alertType,
			Severity:    severity,
			Message:     message,
			Backend:     backend,
			FirstSeenAt: time.Now(),
		}
		m.active[key] = alert
		return []AlertEvent{{Kind: EventAlert, Alert: *alert}}

	case isActive && recovered:
		now := time.Now()
		active.ResolvedAt = &now
		resolved := *active
		delete(m.active, key)
		return []AlertEvent{{Kind: EventAlertResolved, Alert: resolved}}
	}

	return nil
}

func trendOf(metric string, prev, cur float64, higherIsBetter bool) Trend {
	const stableBand = 0.02

	var changePct float64
	switch {
	case prev == 0 && cur == 0:
		changePct = 0
	case prev == 0:
		changePct = 100
	default:
		changePct = (cur - prev) / prev * 100
	}

	direction := "stable"
	if changePct > stableBand*100 {
		direction = "degrading"
		if higherIsBetter {
			direction = "improving"
		}
	} else if changePct < -stableBand*100 {
		direction = "improving"
		if higherIsBetter {
			direction = "degrading"
		}
	}

	return Trend{Metric: metric, Direction: direction, ChangePct: changePct}
}
