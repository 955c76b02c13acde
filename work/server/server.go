package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"hlscache-proxy/work/buffer"
	"hlscache-proxy/work/cache"
	"hlscache-proxy/work/config"
	"hlscache-proxy/work/handler"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/rewrite"
	"hlscache-proxy/work/scheduler"
	"hlscache-proxy/work/source"
	"hlscache-proxy/work/types"
)

// workerPoolSize bounds the goroutine pool that services accepted
// connections. Connections themselves are unbounded (every client is
// accepted); the pool only recycles goroutines.
const workerPoolSize = 10_000

// Server owns the loopback TCP listener and the registry of live connection
// handlers. It is the single owner in the teardown chain: stopping the
// server stops every handler, which cancels its data source, which cancels
// its download task.
type Server struct {
	mu      sync.Mutex
	ln      net.Listener
	running bool
	port    int

	handlers *xsync.MapOf[string, *handler.Handler]
	store    *cache.Store
	memo     *cache.ManifestMemo
	sched    *scheduler.Scheduler
	heads    *source.HeadTracker
	bufPool  *buffer.Pool
	opts     *config.Options
	pool     *ants.Pool

	pruneTimer *time.Timer
}

// New assembles a server around the shared store and scheduler. The server
// does not listen until Start.
func New(opts *config.Options, store *cache.Store, sched *scheduler.Scheduler) (*Server, error) {
	pool, err := ants.NewPool(workerPoolSize, ants.WithPreAlloc(false))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Server{
		handlers: xsync.NewMapOf[string, *handler.Handler](),
		store:    store,
		memo:     cache.NewManifestMemo(opts.ManifestMemoTTL, 256),
		sched:    sched,
		heads:    source.NewHeadTracker(opts.HeadOnly, opts.HeadSegments),
		bufPool:  buffer.NewPool(buffer.DefaultChunkSize),
		opts:     opts,
		pool:     pool,
	}, nil
}

// Start binds 127.0.0.1:<port> over IPv4 and begins accepting. Calling Start
// on an already running server is a no-op. A bind failure surfaces as
// PORT_IN_USE with no automatic port increment, so the host can compute
// proxy URLs deterministically.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		logger.Debug("{server - Start} already running on port %d", s.port)
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.opts.Port)
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return types.WrapProxyError(types.CodePortInUse, err, "failed to bind %s", addr)
	}

	s.ln = ln
	s.port = s.opts.Port
	s.running = true

	go s.acceptLoop(ln)

	// prune runs once shortly after start, off the accept path, so cache
	// maintenance never contends with playback bring-up
	s.pruneTimer = time.AfterFunc(s.opts.PruneDelay, func() {
		if err := s.pool.Submit(s.store.Prune); err != nil {
			go s.store.Prune()
		}
	})

	logger.Info("{server - Start} listening on %s", addr)
	return nil
}

// acceptLoop accepts connections until the listener closes, handing each to
// a handler on the worker pool.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			logger.Warn("{server - acceptLoop} accept failed: %v", err)
			continue
		}

		h := handler.New(conn, s, s.deps(), s.bufPool)
		s.handlers.Store(h.ID(), h)

		serve := h.Serve
		if err := s.pool.Submit(serve); err != nil {
			go serve()
		}
	}
}

// deps bundles the per-request collaborators for new handlers.
func (s *Server) deps() source.Deps {
	return source.Deps{
		Store:    s.store,
		Memo:     s.memo,
		Sched:    s.sched,
		Rewriter: rewrite.New(s.port),
		Heads:    s.heads,
		Opts:     s.opts,
		BufPool:  s.bufPool,
	}
}

// Deregister removes a finished handler from the registry. Part of the
// handler.Registry contract.
func (s *Server) Deregister(id string) {
	s.handlers.Delete(id)
}

// Stop closes the listener, snapshots and clears the handler map under the
// lock, then stops every handler outside it. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.pruneTimer != nil {
		s.pruneTimer.Stop()
		s.pruneTimer = nil
	}
	s.ln.Close()
	s.ln = nil

	snapshot := make([]*handler.Handler, 0, s.handlers.Size())
	s.handlers.Range(func(id string, h *handler.Handler) bool {
		snapshot = append(snapshot, h)
		s.handlers.Delete(id)
		return true
	})
	s.mu.Unlock()

	// handler teardown does socket I/O; never do it while holding the lock
	for _, h := range snapshot {
		h.Stop()
	}
	s.pool.Release()

	logger.Info("{server - Stop} stopped, %d handlers torn down", len(snapshot))
}

// ClearCache purges the disk store and the manifest memo.
func (s *Server) ClearCache() {
	s.store.ClearAll()
	s.memo.Clear()
}

// Running reports whether the listener is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound port while running.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// HandlerCount reports the number of live connection handlers.
func (s *Server) HandlerCount() int {
	return s.handlers.Size()
}

// CacheBytes reports the current disk usage of the cache store.
func (s *Server) CacheBytes() int64 {
	return s.store.TotalBytes()
}
