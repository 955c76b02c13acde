package handler

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"hlscache-proxy/work/buffer"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/metrics"
	"hlscache-proxy/work/source"
	"hlscache-proxy/work/types"
	"hlscache-proxy/work/utils"
)

const (
	// maxRequestBytes bounds the buffered request head. The only client is
	// a local media player sending small GETs.
	maxRequestBytes = 64 * 1024

	headerReadTimeout = 30 * time.Second
)

// Registry is the handler's back-pointer to its owning server. Handlers
// deregister themselves by id when their connection ends.
type Registry interface {
	Deregister(id string)
}

// Handler is a tiny HTTP/1.1 server for one connection serving one request.
// Only GET with Connection: close semantics is supported; this matches the
// observed behaviour of native media players and sidesteps pipelining.
type Handler struct {
	id      string
	conn    net.Conn
	reg     Registry
	deps    source.Deps
	bufPool *buffer.Pool

	mu          sync.Mutex
	src         *source.DataSource
	wroteHeader bool
	writeFailed bool

	done     chan struct{}
	doneOnce sync.Once
}

// New wraps an accepted connection. The id is a short random token used for
// tracing and registry bookkeeping.
func New(conn net.Conn, reg Registry, deps source.Deps, bufPool *buffer.Pool) *Handler {
	return &Handler{
		id:      utils.ShortID(),
		conn:    conn,
		reg:     reg,
		deps:    deps,
		bufPool: bufPool,
		done:    make(chan struct{}),
	}
}

// ID returns the handler's registry id.
func (h *Handler) ID() string {
	return h.id
}

// Serve reads one request, resolves it through a data source, streams the
// response and closes. It blocks until the response completes or the
// handler is stopped.
func (h *Handler) Serve() {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	defer func() {
		h.conn.Close()
		h.reg.Deregister(h.id)
	}()

	rawURL, rng, ok := h.readRequest()
	if !ok {
		h.respondError(http.StatusNotFound)
		return
	}

	logger.Debug("{handler - Serve} [%s] GET %s", h.id, utils.LogURL(h.deps.Opts.ObfuscateUrls, rawURL))

	ds := source.New(rawURL, rng, h.deps, h)
	h.mu.Lock()
	h.src = ds
	h.mu.Unlock()

	ds.Resolve()
	<-h.done

	h.mu.Lock()
	h.src = nil
	h.mu.Unlock()
}

// Stop cancels the in-flight data source and unblocks Serve. Idempotent;
// called by the server on shutdown.
func (h *Handler) Stop() {
	h.mu.Lock()
	src := h.src
	h.mu.Unlock()

	if src != nil {
		src.Cancel()
	}
	h.conn.Close()
	h.doneOnce.Do(func() { close(h.done) })
}

// readRequest buffers the request head, parses the request line and headers,
// and extracts the proxied URL plus optional byte range. Reports false for
// anything that is not a well-formed GET /proxy?url=... request.
func (h *Handler) readRequest() (string, *types.ByteRange, bool) {
	head, ok := h.readHead()
	if !ok {
		return "", nil, false
	}

	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return "", nil, false
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 || parts[0] != http.MethodGet {
		return "", nil, false
	}

	target := parts[1]
	path, query, _ := strings.Cut(target, "?")
	if path != "/proxy" {
		return "", nil, false
	}

	rawURL, ok := extractURLParam(query)
	if !ok {
		return "", nil, false
	}
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", nil, false
	}

	var rng *types.ByteRange
	for _, line := range lines[1:] {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Range") {
			// a malformed range is ignored, not an error
			if r, ok := source.ParseRangeHeader(strings.TrimSpace(value)); ok {
				rng = r
			}
		}
	}

	return rawURL, rng, true
}

// readHead pulls bytes until the blank line ending the request head.
func (h *Handler) readHead() (string, bool) {
	h.conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
	defer h.conn.SetReadDeadline(time.Time{})

	buf := h.bufPool.Get()
	defer h.bufPool.Put(buf)

	var head bytes.Buffer
	for {
		n, err := h.conn.Read(buf.B)
		if n > 0 {
			head.Write(buf.B[:n])
			if idx := bytes.Index(head.Bytes(), []byte("\r\n\r\n")); idx >= 0 {
				return string(head.Bytes()[:idx]), true
			}
			if head.Len() > maxRequestBytes {
				logger.Warn("{handler - readHead} [%s] request head exceeded %d bytes", h.id, maxRequestBytes)
				return "", false
			}
		}
		if err != nil {
			return "", false
		}
	}
}

// extractURLParam pulls the percent-decoded url query parameter, stopping at
// the first '&' so player-appended extras never leak into the origin URL.
func extractURLParam(query string) (string, bool) {
	for _, param := range strings.Split(query, "&") {
		if encoded, found := strings.CutPrefix(param, "url="); found {
			decoded, err := url.QueryUnescape(encoded)
			if err != nil || decoded == "" {
				return "", false
			}
			return decoded, true
		}
	}
	return "", false
}

// SendResponse writes the status line, the mandatory connection headers and
// the data source's headers. Part of the source.Sink contract.
func (h *Handler) SendResponse(status int, headers []source.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wroteHeader {
		return
	}
	h.wroteHeader = true

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Connection: close\r\n")
	b.WriteString("Access-Control-Allow-Origin: *\r\n")
	for _, hd := range headers {
		b.WriteString(hd.Name)
		b.WriteString(": ")
		b.WriteString(hd.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")

	if _, err := h.conn.Write([]byte(b.String())); err != nil {
		h.noteWriteFailure(err)
	}
}

// SendData writes one body chunk to the socket. A write failure cancels the
// data source so the upstream fetch stops wasting bandwidth.
func (h *Handler) SendData(chunk []byte) {
	h.mu.Lock()
	failed := h.writeFailed
	h.mu.Unlock()
	if failed {
		return
	}

	if _, err := h.conn.Write(chunk); err != nil {
		h.mu.Lock()
		h.noteWriteFailure(err)
		src := h.src
		h.mu.Unlock()
		if src != nil {
			src.Cancel()
		}
	}
}

// SendComplete ends the response: EOF to the player via connection close,
// then Serve unblocks and deregisters.
func (h *Handler) SendComplete(err error) {
	if err != nil {
		logger.Debug("{handler - SendComplete} [%s] completed with error: %v", h.id, err)
	}
	h.doneOnce.Do(func() { close(h.done) })
}

// respondError emits a bare status response for unparseable requests.
func (h *Handler) respondError(status int) {
	h.SendResponse(status, []source.Header{{Name: "Content-Length", Value: "0"}})
}

// noteWriteFailure records the first socket write error; callers must hold mu.
func (h *Handler) noteWriteFailure(err error) {
	if !h.writeFailed {
		h.writeFailed = true
		logger.Debug("{handler - noteWriteFailure} [%s] socket write failed: %v", h.id, err)
	}
}
