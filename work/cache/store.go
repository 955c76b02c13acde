package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/grafana/regexp"

	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/metrics"
	"hlscache-proxy/work/types"
)

// rangeSuffixRe matches the "-<lo>-<hi>" suffix appended to range-scoped
// cache keys, so extension derivation sees the bare URL again.
var rangeSuffixRe = regexp.MustCompile(`-\d+-\d*$`)

// extRe accepts the short alphanumeric extensions we are willing to carry
// into cache filenames.
var extRe = regexp.MustCompile(`^[A-Za-z0-9]{1,5}$`)

// Store is a content-addressed file store under a single root directory. The
// filesystem is the whole index: a key maps deterministically to one filename
// and file presence plus a non-zero size is the only notion of "cached".
// Every mutating operation is best-effort: a failed write simply leaves the
// entry absent on the next Exists check.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore creates the cache root if needed and returns a Store bound to it.
func NewStore(root string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache root %s: %w", root, err)
	}
	return &Store{root: root, maxBytes: maxBytes}, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Key derives the storage key for a URL and optional byte range. Range
// bounds become part of the key so fMP4 init and media segments sharing one
// URL never collide.
func Key(rawURL string, rng *types.ByteRange) string {
	if rng == nil {
		return rawURL
	}
	if rng.Open() {
		return fmt.Sprintf("%s-%d-", rawURL, rng.Start)
	}
	return fmt.Sprintf("%s-%d-%d", rawURL, rng.Start, rng.End)
}

// PathFor maps a key to its on-disk path: sha256 hex of the key plus the
// URL's path extension (or "bin"). Pure function, no I/O, deterministic
// across runs so a warm cache survives restarts.
func (s *Store) PathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.root, hex.EncodeToString(sum[:])+"."+extForKey(key))
}

// extForKey extracts a usable filename extension from a cache key.
func extForKey(key string) string {
	bare := rangeSuffixRe.ReplaceAllString(key, "")
	u, err := url.Parse(bare)
	if err != nil {
		return "bin"
	}
	ext := path.Ext(u.Path)
	if len(ext) > 1 {
		ext = ext[1:]
		if extRe.MatchString(ext) {
			return ext
		}
	}
	return "bin"
}

// Exists reports whether the entry is present with a non-zero size. Empty
// files count as absent.
func (s *Store) Exists(key string) bool {
	info, err := os.Stat(s.PathFor(key))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// SizeOf returns the entry's size in bytes, or false when absent or empty.
func (s *Store) SizeOf(key string) (int64, bool) {
	info, err := os.Stat(s.PathFor(key))
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return 0, false
	}
	return info.Size(), true
}

// Open opens the entry for reading. Callers own the returned file.
func (s *Store) Open(key string) (*os.File, error) {
	return os.Open(s.PathFor(key))
}

// ReadAll returns the full entry contents. A zero-length file is deleted and
// reported absent; manifests are the only whole-file readers and an empty
// manifest is useless.
func (s *Store) ReadAll(key string) ([]byte, bool) {
	p := s.PathFor(key)
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}
	if len(data) == 0 {
		if err := os.Remove(p); err != nil {
			logger.Debug("{cache/store - ReadAll} failed to remove empty entry %s: %v", p, err)
		}
		return nil, false
	}
	return data, true
}

// SaveAtomic writes the full buffer via a temp file and rename, so readers
// never observe a partially written entry.
func (s *Store) SaveAtomic(key string, data []byte) {
	p := s.PathFor(key)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("{cache/store - SaveAtomic} write failed for %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, p); err != nil {
		logger.Warn("{cache/store - SaveAtomic} rename failed for %s: %v", p, err)
		os.Remove(tmp)
	}
}

// StreamWriter is an append-only write handle for one cache entry. Bytes land
// in a ".part" sibling and only move to the final name on a successful Close,
// so a partially downloaded entry is never visible under the real key.
type StreamWriter struct {
	f     *os.File
	part  string
	final string
	bad   bool
}

// OpenStream truncates/creates the entry's partial file and returns an
// append-only handle for it.
func (s *Store) OpenStream(key string) (*StreamWriter, error) {
	final := s.PathFor(key)
	part := final + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for %s: %w", part, err)
	}
	return &StreamWriter{f: f, part: part, final: final}, nil
}

// Write appends a chunk. After the first failed write the handle goes bad and
// further chunks are dropped; the entry is discarded on Close.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if w.bad {
		return len(p), nil
	}
	n, err := w.f.Write(p)
	if err != nil {
		w.bad = true
		return n, err
	}
	return n, nil
}

// Close finalizes the entry, publishing it under its real name. A handle
// that saw a write error aborts instead.
func (w *StreamWriter) Close() error {
	if w.bad {
		w.Abort()
		return nil
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.part)
		return err
	}
	if err := os.Rename(w.part, w.final); err != nil {
		os.Remove(w.part)
		return err
	}
	// rename stamps mtime on some filesystems but not all; make the LRU
	// clock explicit
	now := time.Now()
	os.Chtimes(w.final, now, now)
	return nil
}

// Abort discards the partial entry.
func (w *StreamWriter) Abort() {
	w.f.Close()
	if err := os.Remove(w.part); err != nil && !os.IsNotExist(err) {
		logger.Debug("{cache/store - Abort} failed to remove partial %s: %v", w.part, err)
	}
}

// Delete removes the entry if present.
func (s *Store) Delete(key string) {
	if err := os.Remove(s.PathFor(key)); err != nil && !os.IsNotExist(err) {
		logger.Debug("{cache/store - Delete} failed to remove %s: %v", s.PathFor(key), err)
	}
}

// ClearAll removes the whole cache directory and recreates it empty.
func (s *Store) ClearAll() {
	if err := os.RemoveAll(s.root); err != nil {
		logger.Warn("{cache/store - ClearAll} failed to remove cache root %s: %v", s.root, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		logger.Warn("{cache/store - ClearAll} failed to recreate cache root %s: %v", s.root, err)
	}
}

type pruneEntry struct {
	path  string
	size  int64
	mtime time.Time
}

// TotalBytes sums the sizes of all regular files under the cache root.
func (s *Store) TotalBytes() int64 {
	var total int64
	for _, e := range s.entries() {
		total += e.size
	}
	return total
}

// Prune enforces the byte budget: when the cache exceeds it, entries are
// deleted oldest-mtime-first until the total is at or under the budget. All
// per-file errors are swallowed; cache maintenance must never fail playback.
func (s *Store) Prune() {
	entries := s.entries()

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total < s.maxBytes {
		logger.Debug("{cache/store - Prune} under budget (%d/%d bytes), nothing to do", total, s.maxBytes)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].mtime.Before(entries[j].mtime)
	})

	var freed int64
	for _, e := range entries {
		if total <= s.maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			logger.Debug("{cache/store - Prune} failed to remove %s: %v", e.path, err)
			continue
		}
		total -= e.size
		freed += e.size
	}

	metrics.PruneRuns.Inc()
	metrics.PrunedBytes.Add(float64(freed))
	logger.Info("{cache/store - Prune} reclaimed %d bytes, %d bytes remain", freed, total)
}

// entries snapshots (path, size, mtime) for every regular file under the
// root, swallowing per-file stat errors.
func (s *Store) entries() []pruneEntry {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		logger.Debug("{cache/store - entries} failed to read cache root %s: %v", s.root, err)
		return nil
	}

	out := make([]pruneEntry, 0, len(dirents))
	for _, d := range dirents {
		if d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		out = append(out, pruneEntry{
			path:  filepath.Join(s.root, d.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		})
	}
	return out
}
