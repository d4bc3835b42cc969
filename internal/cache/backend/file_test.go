package backend

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestFile(t *testing.T, maxBytes, compressThreshold int64) *File {
	f, err := NewFile(FileConfig{
		Dir:               t.TempDir(),
		MaxBytes:          maxBytes,
		CompressThreshold: compressThreshold,
	}, testLogger(t))
	require.NoError(t, err)
	return f
}

func TestFile_RoundTrip(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "doc:색상", []byte("palette"), time.Minute))

	got, found, err := f.Get(ctx, "doc:색상")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("palette"), got)
}

func TestFile_MissIsNotAnError(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)

	got, found, err := f.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestFile_ExpiredEntryReadsAsAbsent(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "short", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, found, err := f.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)

	// The opportunistic removal should leave no files behind.
	entries, err := os.ReadDir(f.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_CompressionAboveThreshold(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 100)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("component "), 50)
	require.NoError(t, f.Set(ctx, "big", payload, time.Minute))

	// The payload file is self-describing through its frame marker.
	stored, err := os.ReadFile(f.pathFor("big") + dataSuffix)
	require.NoError(t, err)
	assert.Equal(t, frameGzip, stored[0])
	assert.Less(t, len(stored), len(payload), "repetitive payload should shrink on disk")

	meta, err := readMeta(f.pathFor("big") + metaSuffix)
	require.NoError(t, err)
	assert.Equal(t, int64(len(stored)), meta.Size)

	got, found, err := f.Get(ctx, "big")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload, got)
}

func TestFile_CleanupRemovesExpired(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "dead", []byte("x"), 10*time.Millisecond))
	require.NoError(t, f.Set(ctx, "live", []byte("y"), time.Minute))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, f.Cleanup(ctx))

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.False(t, stats.LastCleanup.IsZero())

	_, found, _ := f.Get(ctx, "live")
	assert.True(t, found)
}

func TestFile_CleanupEvictsOldestAccessedFirst(t *testing.T) {
	f := setupTestFile(t, 150, 1024*1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "old", make([]byte, 60), time.Hour))
	require.NoError(t, f.Set(ctx, "newer", make([]byte, 60), time.Hour))
	require.NoError(t, f.Set(ctx, "newest", make([]byte, 60), time.Hour))

	// Accessing "old" refreshes it; "newer" becomes the eviction candidate.
	time.Sleep(5 * time.Millisecond)
	_, found, err := f.Get(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, f.Cleanup(ctx))

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, stats.Bytes, int64(150))

	_, found, _ = f.Get(ctx, "newer")
	assert.False(t, found, "oldest-accessed entry should be evicted first")

	_, found, _ = f.Get(ctx, "old")
	assert.True(t, found, "recently accessed entry should survive")
}

func TestFile_ClearRemovesEverything(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, f.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, f.Clear(ctx))

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestFile_TornMetadataIsDropped(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.Dir, "deadbeef"+metaSuffix), []byte("{not json"), 0o644))

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries, "a torn metadata record must not count as an entry")
}

func TestFile_CorruptMetadataReadsAsMiss(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, os.WriteFile(f.pathFor("a")+metaSuffix, []byte("{not json"), 0o644))

	got, found, err := f.Get(ctx, "a")
	require.NoError(t, err, "corrupt metadata must self-heal to a miss, not an error")
	assert.False(t, found)
	assert.Nil(t, got)

	// Both files are dropped so the next write starts clean.
	entries, err := os.ReadDir(f.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_CorruptDataReadsAsMiss(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, os.WriteFile(f.pathFor("a")+dataSuffix, []byte{0x7f, 1, 2}, 0o644))

	got, found, err := f.Get(ctx, "a")
	require.NoError(t, err, "an undecodable payload must self-heal to a miss, not an error")
	assert.False(t, found)
	assert.Nil(t, got)

	entries, err := os.ReadDir(f.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFile_ConcurrentReadersAndWriterNeverSeeTornEntries(t *testing.T) {
	f := setupTestFile(t, 1024*1024, 1024)
	ctx := context.Background()

	// One payload compresses on disk, the other stays raw, so every write
	// flips the entry's framing as well as its contents.
	large := bytes.Repeat([]byte("design-token "), 5000)
	small := []byte("raw payload")
	require.NoError(t, f.Set(ctx, "hot", large, time.Minute))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			payload := large
			if i%2 == 1 {
				payload = small
			}
			assert.NoError(t, f.Set(ctx, "hot", payload, time.Minute))
		}
	}()

	for i := 0; i < 400; i++ {
		got, found, err := f.Get(ctx, "hot")
		require.NoError(t, err, "a reader racing a writer must never surface an error")
		if !found {
			continue
		}
		if !bytes.Equal(got, large) && !bytes.Equal(got, small) {
			t.Fatalf("read a torn value of %d bytes", len(got))
		}
	}

	close(stop)
	wg.Wait()
}
