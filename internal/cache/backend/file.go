package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"krds-cache/internal/cacheerrors"
	"krds-cache/internal/logging"
)

const (
	dataSuffix = ".cache"
	metaSuffix = ".meta"
)

// FileConfig configures the durable file backend.
type FileConfig struct {
	Dir               string
	MaxBytes          int64
	CompressThreshold int64
}

// fileMeta is the per-entry metadata record stored next to the payload.
// Compression is not recorded here: the payload file is self-describing
// through its frame marker, so metadata and data can never disagree about
// how to decode.
type fileMeta struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int64     `json:"size"`
}

// File is the durable backend. Each logical entry is one key-hashed payload
// file plus a small metadata record. Both files are replaced via unique
// temp files and rename, so a reader concurrent with a writer observes
// either the old entry or the new one, never a torn mix. A periodic
// Cleanup pass, scheduled by the manager, drops expired entries and
// enforces the aggregate size bound by evicting oldest-accessed files
// first.
type File struct {
	cfg    FileConfig
	logger logging.Logger

	// Cleanup holds the write side so it never races an in-flight Set.
	mu          sync.RWMutex
	lastCleanup time.Time

	// Access times live in memory; rewriting the metadata record on every
	// Get would race concurrent writers. The on-disk LastAccessed is the
	// write-time fallback consulted after a restart.
	accessMu sync.Mutex
	accessed map[string]time.Time
}

// NewFile creates a file backend, ensuring the managed directory exists.
func NewFile(cfg FileConfig, logger logging.Logger) (*File, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, cacheerrors.BackendUnavailable(NameFile, err)
	}
	return &File{
		cfg:      cfg,
		logger:   logger,
		accessed: make(map[string]time.Time),
	}, nil
}

// Name implements Backend.
func (f *File) Name() string { return NameFile }

// Get implements Backend. Expired entries read as absent and are removed
// opportunistically; an undecodable entry is dropped and reads as a miss
// so corrupt on-disk state self-heals instead of failing every lookup.
func (f *File) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	base := f.pathFor(key)
	meta, err := readMeta(base + metaSuffix)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		f.logger.Warn("dropping file entry with unreadable metadata",
			logging.Field{Key: "key", Value: key},
			logging.Err(err),
		)
		f.removeEntry(base)
		f.dropAccess(key)
		return nil, false, nil
	}

	if time.Now().After(meta.ExpiresAt) {
		f.removeEntry(base)
		f.dropAccess(key)
		return nil, false, nil
	}

	data, err := os.ReadFile(base + dataSuffix)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, cacheerrors.BackendUnavailable(NameFile, err)
	}

	value, err := decodeFrame(data)
	if err != nil {
		f.logger.Warn("dropping undecodable file entry",
			logging.Field{Key: "key", Value: key},
			logging.Err(err),
		)
		f.removeEntry(base)
		f.dropAccess(key)
		return nil, false, nil
	}

	f.touch(key)
	return value, true, nil
}

// Set implements Backend. Payloads above the configured threshold are
// gzip-compressed behind the same frame marker the Redis backend uses.
// Data and metadata are each written to a unique temp file and renamed
// into place, so concurrent same-key writers resolve last-write-wins and
// readers never observe a partial entry.
func (f *File) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := encodeFrame(value, f.cfg.CompressThreshold)
	if err != nil {
		return cacheerrors.SerializationError("failed to encode file entry", err)
	}

	base := f.pathFor(key)
	if err := writeFileAtomic(base+dataSuffix, data); err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	now := time.Now()
	meta := fileMeta{
		Key:          key,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		Size:         int64(len(data)),
	}
	if err := writeMeta(base+metaSuffix, meta); err != nil {
		f.removeEntry(base)
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	return nil
}

// Delete implements Backend.
func (f *File) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	f.removeEntry(f.pathFor(key))
	f.dropAccess(key)
	return nil
}

// Clear implements Backend.
func (f *File) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, dataSuffix) || strings.HasSuffix(name, metaSuffix) {
			_ = os.Remove(filepath.Join(f.cfg.Dir, name))
		}
	}

	f.accessMu.Lock()
	f.accessed = make(map[string]time.Time)
	f.accessMu.Unlock()

	f.lastCleanup = time.Now()
	return nil
}

// Stats implements Backend.
func (f *File) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	metas, err := f.listMetas()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{LastCleanup: f.lastCleanup}
	for _, m := range metas {
		stats.Entries++
		stats.Bytes += m.meta.Size
	}
	return stats, nil
}

// Cleanup removes expired entries and, if the aggregate size still exceeds
// the bound, evicts oldest-accessed entries until it fits. Scheduled
// periodically by the manager.
func (f *File) Cleanup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cacheerrors.BackendUnavailable(NameFile, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	metas, err := f.listMetas()
	if err != nil {
		return err
	}

	f.accessMu.Lock()
	accessed := make(map[string]time.Time, len(f.accessed))
	for k, v := range f.accessed {
		accessed[k] = v
	}
	f.accessMu.Unlock()

	lastAccess := func(m metaFile) time.Time {
		if t, ok := accessed[m.meta.Key]; ok && t.After(m.meta.LastAccessed) {
			return t
		}
		return m.meta.LastAccessed
	}

	now := time.Now()
	var live []metaFile
	var total int64
	removed := 0
	for _, m := range metas {
		if now.After(m.meta.ExpiresAt) {
			f.removeEntry(strings.TrimSuffix(m.path, metaSuffix))
			f.dropAccess(m.meta.Key)
			removed++
			continue
		}
		live = append(live, m)
		total += m.meta.Size
	}

	if total > f.cfg.MaxBytes {
		sort.Slice(live, func(i, j int) bool {
			return lastAccess(live[i]).Before(lastAccess(live[j]))
		})
		for _, m := range live {
			if total <= f.cfg.MaxBytes {
				break
			}
			f.removeEntry(strings.TrimSuffix(m.path, metaSuffix))
			f.dropAccess(m.meta.Key)
			total -= m.meta.Size
			removed++
		}
	}

	f.lastCleanup = now
	if removed > 0 {
		f.logger.Debug("file cache cleanup pass",
			logging.Field{Key: "removed", Value: removed},
			logging.Field{Key: "bytes", Value: total},
		)
	}
	return nil
}

// Close implements Backend.
func (f *File) Close() error { return nil }

type metaFile struct {
	path string
	meta fileMeta
}

func (f *File) listMetas() ([]metaFile, error) {
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return nil, cacheerrors.BackendUnavailable(NameFile, err)
	}

	var out []metaFile
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		path := filepath.Join(f.cfg.Dir, entry.Name())
		meta, err := readMeta(path)
		if err != nil {
			// A torn metadata record means the entry is unreadable anyway.
			f.removeEntry(strings.TrimSuffix(path, metaSuffix))
			continue
		}
		out = append(out, metaFile{path: path, meta: meta})
	}
	return out, nil
}

func (f *File) pathFor(key string) string {
	return filepath.Join(f.cfg.Dir, fmt.Sprintf("%016x", xxhash.Sum64String(key)))
}

func (f *File) removeEntry(base string) {
	_ = os.Remove(base + dataSuffix)
	_ = os.Remove(base + metaSuffix)
}

func (f *File) touch(key string) {
	f.accessMu.Lock()
	f.accessed[key] = time.Now()
	f.accessMu.Unlock()
}

func (f *File) dropAccess(key string) {
	f.accessMu.Lock()
	delete(f.accessed, key)
	f.accessMu.Unlock()
}

func readMeta(path string) (fileMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileMeta{}, err
	}
	var meta fileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fileMeta{}, err
	}
	return meta, nil
}

func writeMeta(path string, meta fileMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic replaces path through a uniquely named temp file and a
// rename, so concurrent writers never interleave within one file and
// readers always see a complete one.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
