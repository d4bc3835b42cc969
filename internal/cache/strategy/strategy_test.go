package strategy

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var koreanSample = "버튼 컴포넌트는 사용자 행동을 유도하는 기본 요소입니다. Button component guidance."

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TTLDefault = 30 * time.Minute
	cfg.TTLLarge = 10 * time.Minute
	cfg.TTLFrequent = 2 * time.Hour
	cfg.KoreanBoostFactor = 1.3
	cfg.MediumSizeBytes = 1024
	cfg.LargeSizeBytes = 100 * 1024
	cfg.FrequentThreshold = 10
	return cfg
}

// pad grows content to the target size without diluting its script ratio
// below the detection threshold.
func pad(content string, size int) []byte {
	var b bytes.Buffer
	for b.Len() < size {
		b.WriteString(content)
	}
	return b.Bytes()[:size]
}

func TestContainsKorean(t *testing.T) {
	assert.True(t, ContainsKorean([]byte(koreanSample)))
	assert.True(t, ContainsKorean([]byte("색상")))
	assert.False(t, ContainsKorean([]byte("plain latin component docs")))
	assert.False(t, ContainsKorean([]byte("12345 !@#$%")))
	assert.False(t, ContainsKorean(nil))

	// A stray Hangul syllable inside a large Latin document is noise.
	diluted := strings.Repeat("latin words everywhere ", 100) + "한"
	assert.False(t, ContainsKorean([]byte(diluted)))
}

func TestDecide_Determinism(t *testing.T) {
	e := New(testConfig())
	value := pad(koreanSample, 2048)
	pattern := AccessPattern{AccessCount: 3, AvgIntervalMs: 250}

	first := e.Decide(NameKoreanOptimized, value, pattern)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Decide(NameKoreanOptimized, value, pattern))
	}
}

func TestDecide_KoreanBoostAndRemotePlacement(t *testing.T) {
	e := New(testConfig())

	// 2KB of Korean content: boosted TTL tier, remote placement.
	d := e.Decide(NameKoreanOptimized, pad(koreanSample, 2048), AccessPattern{})
	assert.Equal(t, TierBoosted, d.Tier)
	assert.Equal(t, PlaceRedis, d.Backend)
	assert.Equal(t, time.Duration(float64(30*time.Minute)*1.3), d.TTL)
}

func TestDecide_RulePrecedence(t *testing.T) {
	e := New(testConfig())

	tests := []struct {
		name        string
		value       []byte
		pattern     AccessPattern
		wantTier    string
		wantTTL     time.Duration
		wantBackend string
	}{
		{
			name:        "small latin defaults to memory",
			value:       []byte("button docs"),
			wantTier:    TierDefault,
			wantTTL:     30 * time.Minute,
			wantBackend: PlaceMemory,
		},
		{
			name:        "small korean stays in memory below medium size",
			value:       []byte("버튼"),
			wantTier:    TierBoosted,
			wantTTL:     time.Duration(float64(30*time.Minute) * 1.3),
			wantBackend: PlaceMemory,
		},
		{
			name:        "size shortening beats korean boost",
			value:       pad(koreanSample, 200*1024),
			wantTier:    TierLarge,
			wantTTL:     10 * time.Minute,
			wantBackend: PlaceFile,
		},
		{
			name:        "frequency promotion beats size shortening",
			value:       pad(koreanSample, 200*1024),
			pattern:     AccessPattern{AccessCount: 25},
			wantTier:    TierFrequent,
			wantTTL:     2 * time.Hour,
			wantBackend: PlaceFile,
		},
		{
			name:        "frequency promotion beats the boost",
			value:       pad(koreanSample, 2048),
			pattern:     AccessPattern{AccessCount: 10},
			wantTier:    TierFrequent,
			wantTTL:     2 * time.Hour,
			wantBackend: PlaceRedis,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(NameKoreanOptimized, tt.value, tt.pattern)
			assert.Equal(t, tt.wantTier, d.Tier)
			assert.Equal(t, tt.wantTTL, d.TTL)
			assert.Equal(t, tt.wantBackend, d.Backend)
		})
	}
}

func TestDecide_LRUStrategyIgnoresContent(t *testing.T) {
	e := New(testConfig())

	d := e.Decide(NameLRU, pad(koreanSample, 2048), AccessPattern{})
	assert.Equal(t, TierDefault, d.Tier)
	assert.Equal(t, 30*time.Minute, d.TTL)
	// Placement stays content-aware even without the TTL boost.
	assert.Equal(t, PlaceRedis, d.Backend)
}

func TestDecide_AdaptiveReweightsByHitRate(t *testing.T) {
	e := New(testConfig())
	value := pad(koreanSample, 2048)

	// No observations yet: full boost.
	d := e.Decide(NameAdaptive, value, AccessPattern{})
	assert.Equal(t, time.Duration(float64(30*time.Minute)*1.3), d.TTL)

	// Korean content missing constantly: the boost decays away.
	for i := 0; i < 20; i++ {
		e.RecordOutcome(true, false)
	}
	d = e.Decide(NameAdaptive, value, AccessPattern{})
	assert.Equal(t, 30*time.Minute, d.TTL)
	assert.Equal(t, TierDefault, d.Tier)

	// Hits restore part of the boost.
	for i := 0; i < 20; i++ {
		e.RecordOutcome(true, true)
	}
	d = e.Decide(NameAdaptive, value, AccessPattern{})
	assert.Greater(t, d.TTL, 30*time.Minute)
	assert.Less(t, d.TTL, time.Duration(float64(30*time.Minute)*1.3)+time.Second)
}

func TestRecordOutcome_Concurrent(t *testing.T) {
	e := New(testConfig())

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				e.RecordOutcome(j%2 == 0, j%3 == 0)
				e.Decide(NameAdaptive, []byte("한국어 텍스트"), AccessPattern{})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	stats := e.snapshot.Load().(classStats)
	assert.Equal(t, int64(200), stats.KoreanTotal)
	assert.Equal(t, int64(200), stats.GeneralTotal)
}
