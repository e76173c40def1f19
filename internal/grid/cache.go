package grid

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/gramfix/gramfix/internal/observability"
)

// fileEntry is what the registry stores per post: enough to delete the
// file when the entry is evicted.
type fileEntry struct {
	path string
	size int64
}

// FileCache tracks the composed JPEGs on disk behind an LFU policy.
// Eviction deletes the backing file, and a periodic sweep keeps the whole
// directory under a byte cap even when the entry count stays below
// capacity.
type FileCache struct {
	dir      string
	maxBytes int64
	cache    *ristretto.Cache[string, fileEntry]
	log      *slog.Logger
}

// OpenFileCache scans dir so files surviving a restart stay tracked.
func OpenFileCache(dir string, capacity, maxBytes int64, log *slog.Logger) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create grid dir: %w", err)
	}

	f := &FileCache{dir: dir, maxBytes: maxBytes, log: log}
	cache, err := ristretto.NewCache(&ristretto.Config[string, fileEntry]{
		NumCounters:        capacity * 10,
		MaxCost:            capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict: func(it *ristretto.Item[fileEntry]) {
			if err := os.Remove(it.Value.path); err != nil && !os.IsNotExist(err) {
				log.Warn("evicted grid file not removed", "path", it.Value.path, "err", err)
				return
			}
			observability.IncGridFileEvicted()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("grid registry: %w", err)
	}
	f.cache = cache

	n, err := f.scan()
	if err != nil {
		cache.Close()
		return nil, err
	}
	if n > 0 {
		log.Info("grid files recovered", "count", n, "dir", dir)
	}
	return f, nil
}

func (f *FileCache) scan() (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("scan grid dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jpeg") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		f.Add(strings.TrimSuffix(name, ".jpeg"), info.Size())
		n++
	}
	f.cache.Wait()
	return n, nil
}

// Path returns where the composed grid for postID lives, tracked or not.
func (f *FileCache) Path(postID string) string {
	return filepath.Join(f.dir, postID+".jpeg")
}

// Touch reports whether postID is tracked, counting a use toward the LFU.
func (f *FileCache) Touch(postID string) bool {
	_, ok := f.cache.Get(postID)
	return ok
}

func (f *FileCache) Add(postID string, size int64) {
	f.cache.Set(postID, fileEntry{path: f.Path(postID), size: size}, 1)
}

func (f *FileCache) Close() { f.cache.Close() }

// Sweep runs until ctx is done, deleting the oldest files whenever the
// directory grows past the byte cap. Admission is probabilistic, so the
// registry alone cannot bound disk use.
func (f *FileCache) Sweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := f.sweepOnce(); err != nil {
				f.log.Warn("grid sweep failed", "err", err)
			} else if n > 0 {
				f.log.Info("grid files swept", "count", n)
			}
		}
	}
}

func (f *FileCache) sweepOnce() (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, err
	}
	type onDisk struct {
		name string
		size int64
		mod  time.Time
	}
	var files []onDisk
	var total int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jpeg") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, onDisk{e.Name(), info.Size(), info.ModTime()})
		total += info.Size()
	}
	if total <= f.maxBytes {
		return 0, nil
	}

	sort.Slice(files, func(a, b int) bool { return files[a].mod.Before(files[b].mod) })
	removed := 0
	for _, fl := range files {
		if total <= f.maxBytes {
			break
		}
		if err := os.Remove(filepath.Join(f.dir, fl.name)); err != nil {
			continue
		}
		f.cache.Del(strings.TrimSuffix(fl.name, ".jpeg"))
		total -= fl.size
		removed++
		observability.IncGridFileEvicted()
	}
	return removed, nil
}
