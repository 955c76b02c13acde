package source

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"hlscache-proxy/work/buffer"
	"hlscache-proxy/work/cache"
	"hlscache-proxy/work/config"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/metrics"
	"hlscache-proxy/work/rewrite"
	"hlscache-proxy/work/scheduler"
	"hlscache-proxy/work/types"
	"hlscache-proxy/work/utils"
)

// Header is one response header emitted by a data source.
type Header struct {
	Name  string
	Value string
}

// Sink receives the response a data source resolves. It is implemented by
// the connection handler. SendResponse fires at most once (not at all when
// the request is cancelled or the origin fails before responding), SendData
// zero or more times in order, SendComplete exactly once.
type Sink interface {
	SendResponse(status int, headers []Header)
	SendData(chunk []byte)
	SendComplete(err error)
}

// DataSource resolves a single player request: disk hit, origin miss teed to
// disk, or manifest rewrite. One instance per HTTP request; the owning
// handler cancels it when the socket dies.
type DataSource struct {
	url      string
	rng      *types.ByteRange
	store    *cache.Store
	memo     *cache.ManifestMemo
	sched    *scheduler.Scheduler
	rewriter *rewrite.Rewriter
	heads    *HeadTracker
	opts     *config.Options
	sink     Sink
	bufPool  *buffer.Pool

	mu        sync.Mutex
	task      *scheduler.Task
	writer    *cache.StreamWriter
	cacheKey  string
	cancelled bool
}

// Deps bundles the long-lived collaborators shared by every data source.
type Deps struct {
	Store    *cache.Store
	Memo     *cache.ManifestMemo
	Sched    *scheduler.Scheduler
	Rewriter *rewrite.Rewriter
	Heads    *HeadTracker
	Opts     *config.Options
	BufPool  *buffer.Pool
}

// New builds a data source for one request.
func New(rawURL string, rng *types.ByteRange, deps Deps, sink Sink) *DataSource {
	return &DataSource{
		url:      rawURL,
		rng:      rng,
		store:    deps.Store,
		memo:     deps.Memo,
		sched:    deps.Sched,
		rewriter: deps.Rewriter,
		heads:    deps.Heads,
		opts:     deps.Opts,
		sink:     sink,
		bufPool:  deps.BufPool,
	}
}

// Resolve serves the request. Manifest and disk-hit paths complete
// synchronously on the calling goroutine; network segment misses return
// after submitting the download and complete through scheduler callbacks.
func (ds *DataSource) Resolve() {
	if rewrite.IsManifestURL(ds.url) {
		ds.serveManifest()
		return
	}
	ds.serveSegment()
}

// Cancel tears the request down: the in-flight download (if any) is
// cancelled and any partial write is discarded by its completion path.
// Idempotent.
func (ds *DataSource) Cancel() {
	ds.mu.Lock()
	if ds.cancelled {
		ds.mu.Unlock()
		return
	}
	ds.cancelled = true
	task := ds.task
	ds.mu.Unlock()

	if task != nil {
		task.Cancel()
	}
}

// ---- manifests ----

// serveManifest serves a playlist: memo, then disk, then origin. Disk and
// origin serves redo the rewrite and memo entries are keyed by port, so the
// embedded port always matches the live listener.
func (ds *DataSource) serveManifest() {
	if text, ok := ds.memo.Get(ds.url, ds.rewriter.Port); ok {
		logger.Debug("{source - serveManifest} memo hit: %s", utils.LogURL(ds.opts.ObfuscateUrls, ds.url))
		metrics.CacheHits.WithLabelValues("manifest").Inc()
		ds.emitManifest(text, "cache")
		return
	}

	key := cache.Key(ds.url, nil)
	if raw, ok := ds.store.ReadAll(key); ok {
		logger.Debug("{source - serveManifest} disk hit: %s", utils.LogURL(ds.opts.ObfuscateUrls, ds.url))
		metrics.CacheHits.WithLabelValues("manifest").Inc()
		text := ds.rewriter.Rewrite(string(raw), ds.url)
		ds.memo.Set(ds.url, ds.rewriter.Port, text)
		ds.emitManifest(text, "cache")
		return
	}

	metrics.CacheMisses.WithLabelValues("manifest").Inc()
	raw, err := ds.fetchManifest()
	if err != nil {
		// a stale rewrite is worse than a failure the player can retry
		logger.Warn("{source - serveManifest} origin fetch failed for %s: %v", utils.LogURL(ds.opts.ObfuscateUrls, ds.url), err)
		ds.emitNotFound()
		return
	}

	ds.store.SaveAtomic(key, raw)

	if kind, segments := rewrite.Detect(string(raw)); kind == rewrite.KindMedia {
		logger.Debug("{source - serveManifest} media playlist with %d segments, resetting head window", segments)
		ds.heads.Reset(ds.url)
	}

	text := ds.rewriter.Rewrite(string(raw), ds.url)
	ds.memo.Set(ds.url, ds.rewriter.Port, text)
	ds.emitManifest(text, "network")
}

// manifestCollector buffers a whole playlist body from the fast lane.
type manifestCollector struct {
	buf    bytes.Buffer
	status int
	done   chan error
}

func (c *manifestCollector) OnResponse(status int, _ http.Header) { c.status = status }
func (c *manifestCollector) OnData(chunk []byte)                  { c.buf.Write(chunk) }
func (c *manifestCollector) OnComplete(err error)                 { c.done <- err }

// fetchManifest pulls the full playlist body through the scheduler's fast
// lane with a bounded synchronous deadline.
func (ds *DataSource) fetchManifest() ([]byte, error) {
	collector := &manifestCollector{done: make(chan error, 1)}

	ds.mu.Lock()
	if ds.cancelled {
		ds.mu.Unlock()
		return nil, fmt.Errorf("request cancelled")
	}
	task := ds.sched.Download(ds.url, nil, collector)
	ds.task = task
	ds.mu.Unlock()

	select {
	case err := <-collector.done:
		if err != nil {
			return nil, err
		}
	case <-time.After(ds.opts.ManifestTimeout):
		task.Cancel()
		return nil, fmt.Errorf("manifest fetch timed out after %s", ds.opts.ManifestTimeout)
	}

	if collector.status < 200 || collector.status >= 300 {
		return nil, fmt.Errorf("origin returned status %d", collector.status)
	}
	if collector.buf.Len() == 0 {
		return nil, fmt.Errorf("origin returned empty manifest")
	}
	return collector.buf.Bytes(), nil
}

func (ds *DataSource) emitManifest(text, via string) {
	ds.sink.SendResponse(http.StatusOK, []Header{
		{"Content-Type", "application/vnd.apple.mpegurl"},
		{"Content-Length", strconv.Itoa(len(text))},
	})
	ds.sink.SendData([]byte(text))
	metrics.BytesServed.WithLabelValues(via).Add(float64(len(text)))
	ds.sink.SendComplete(nil)
}

func (ds *DataSource) emitNotFound() {
	ds.sink.SendResponse(http.StatusNotFound, []Header{
		{"Content-Length", "0"},
	})
	ds.sink.SendComplete(nil)
}

// ---- segments ----

// serveSegment serves a media segment: the full-file entry first (slicing it
// for range requests), then a range-scoped entry, then the origin with a tee
// to disk.
func (ds *DataSource) serveSegment() {
	fullKey := cache.Key(ds.url, nil)
	if size, ok := ds.store.SizeOf(fullKey); ok {
		metrics.CacheHits.WithLabelValues("segment").Inc()
		ds.serveFromDisk(fullKey, size)
		return
	}

	if ds.rng != nil {
		rangeKey := cache.Key(ds.url, ds.rng)
		if size, ok := ds.store.SizeOf(rangeKey); ok {
			metrics.CacheHits.WithLabelValues("segment").Inc()
			ds.serveRangeEntry(rangeKey, size)
			return
		}
	}

	metrics.CacheMisses.WithLabelValues("segment").Inc()
	ds.fetchSegment()
}

// serveFromDisk streams a complete cached entry, honoring a byte range when
// one was requested. A range that fails to clamp is ignored and the full
// entry served.
func (ds *DataSource) serveFromDisk(key string, size int64) {
	f, err := ds.store.Open(key)
	if err != nil {
		// raced with prune or clear; refetch instead
		logger.Debug("{source - serveFromDisk} open failed for %s, falling back to origin: %v", key, err)
		ds.fetchSegment()
		return
	}
	defer f.Close()

	status := http.StatusOK
	offset, length := int64(0), size
	headers := []Header{
		{"Content-Type", MimeFor(ds.url)},
		{"Accept-Ranges", "bytes"},
	}

	if ds.rng != nil {
		if lo, hi, ok := clampRange(ds.rng, size); ok {
			status = http.StatusPartialContent
			offset, length = lo, hi-lo+1
			headers = append(headers, Header{"Content-Range", fmt.Sprintf("bytes %d-%d/%d", lo, hi, size)})
		}
	}
	headers = append(headers, Header{"Content-Length", strconv.FormatInt(length, 10)})

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			ds.emitNotFound()
			return
		}
	}

	ds.sink.SendResponse(status, headers)
	ds.streamFile(f, length)
}

// serveRangeEntry streams an entry that was cached under a range-scoped key
// and therefore already holds exactly the requested slice. The total
// resource size is unknown here, so the Content-Range total is wildcarded.
func (ds *DataSource) serveRangeEntry(key string, size int64) {
	f, err := ds.store.Open(key)
	if err != nil {
		ds.fetchSegment()
		return
	}
	defer f.Close()

	ds.sink.SendResponse(http.StatusPartialContent, []Header{
		{"Content-Type", MimeFor(ds.url)},
		{"Accept-Ranges", "bytes"},
		{"Content-Range", fmt.Sprintf("bytes %d-%d/*", ds.rng.Start, ds.rng.Start+size-1)},
		{"Content-Length", strconv.FormatInt(size, 10)},
	})
	ds.streamFile(f, size)
}

// streamFile copies length bytes from f to the sink in pooled chunks.
func (ds *DataSource) streamFile(f io.Reader, length int64) {
	buf := ds.bufPool.Get()
	defer ds.bufPool.Put(buf)

	remaining := length
	for remaining > 0 {
		chunk := buf.B
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := f.Read(chunk)
		if n > 0 {
			ds.sink.SendData(chunk[:n])
			metrics.BytesServed.WithLabelValues("cache").Add(float64(n))
			remaining -= int64(n)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("{source - streamFile} read error: %v", err)
			}
			break
		}
	}
	ds.sink.SendComplete(nil)
}

// fetchSegment submits the origin download. The data source itself is the
// delegate: response headers open the tee, chunks fan out to socket and
// disk, and completion closes or discards the partial entry.
func (ds *DataSource) fetchSegment() {
	ds.mu.Lock()
	if ds.cancelled {
		ds.mu.Unlock()
		ds.sink.SendComplete(fmt.Errorf("request cancelled"))
		return
	}
	ds.cacheKey = cache.Key(ds.url, ds.rng)
	ds.task = ds.sched.Download(ds.url, ds.rng, ds)
	ds.mu.Unlock()
}

// OnResponse mirrors the origin status to the player and opens the disk tee
// for 2xx responses (unless the head-only window for this origin is spent).
func (ds *DataSource) OnResponse(status int, headers http.Header) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.cancelled {
		return
	}

	if status < 200 || status >= 300 {
		metrics.DownloadErrors.WithLabelValues("status").Inc()
		ds.sink.SendResponse(status, []Header{{"Content-Length", "0"}})
		return
	}

	if ds.heads.Allow(ds.url) {
		w, err := ds.store.OpenStream(ds.cacheKey)
		if err != nil {
			logger.Warn("{source - OnResponse} cache tee unavailable for %s: %v", utils.LogURL(ds.opts.ObfuscateUrls, ds.url), err)
		} else {
			ds.writer = w
		}
	} else {
		logger.Debug("{source - OnResponse} head window spent, streaming through: %s", utils.LogURL(ds.opts.ObfuscateUrls, ds.url))
	}

	out := []Header{
		{"Content-Type", MimeFor(ds.url)},
		{"Accept-Ranges", "bytes"},
	}
	if status == http.StatusPartialContent {
		if cr := headers.Get("Content-Range"); cr != "" {
			out = append(out, Header{"Content-Range", cr})
		}
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		out = append(out, Header{"Content-Length", cl})
	}

	ds.sink.SendResponse(status, out)
}

// OnData tees one chunk to the player socket and the cache entry. A disk
// write failure drops the tee but never the playback stream.
func (ds *DataSource) OnData(chunk []byte) {
	ds.mu.Lock()
	writer := ds.writer
	cancelled := ds.cancelled
	ds.mu.Unlock()
	if cancelled {
		return
	}

	ds.sink.SendData(chunk)
	metrics.BytesServed.WithLabelValues("network").Add(float64(len(chunk)))

	if writer != nil {
		if _, err := writer.Write(chunk); err != nil {
			logger.Warn("{source - OnData} cache write failed, dropping tee: %v", err)
			ds.mu.Lock()
			if ds.writer == writer {
				ds.writer = nil
			}
			ds.mu.Unlock()
			writer.Abort()
		}
	}
}

// OnComplete finalizes the tee (publish on success, delete the partial on
// failure) and completes the response.
func (ds *DataSource) OnComplete(err error) {
	ds.mu.Lock()
	writer := ds.writer
	ds.writer = nil
	key := ds.cacheKey
	ds.mu.Unlock()

	if writer != nil {
		if err != nil {
			writer.Abort()
			ds.store.Delete(key)
		} else if cerr := writer.Close(); cerr != nil {
			logger.Warn("{source - OnComplete} failed to publish cache entry: %v", cerr)
		}
	}

	ds.sink.SendComplete(err)
}
