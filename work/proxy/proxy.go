package proxy

import (
	"fmt"
	"net/url"
	"sync"

	"hlscache-proxy/work/cache"
	"hlscache-proxy/work/client"
	"hlscache-proxy/work/config"
	"hlscache-proxy/work/diag"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/scheduler"
	"hlscache-proxy/work/server"
	"hlscache-proxy/work/types"
)

// The facade is the process-wide surface a host binding layer calls: start
// the proxy, convert playback URLs, clear the cache. There is one proxy
// server at a time; the download scheduler is shared for the process
// lifetime.

var (
	mu       sync.Mutex
	srv      *server.Server
	diagSrv  *diag.Server
	lastOpts *config.Options
)

// StartServer starts the caching proxy with the given options (nil means all
// defaults: port 9000, 1 GiB budget, head-only off). Calling it again while
// running is a no-op for the same port and a PORT_CHANGE_WHILE_RUNNING error
// for a different one; switching ports requires Stop first.
func StartServer(opts *config.Options) error {
	if opts == nil {
		opts = &config.Options{}
	}
	config.ValidateAndSetDefaults(opts)
	logger.SetLogLevel(opts.LogLevel)

	mu.Lock()
	defer mu.Unlock()

	if srv != nil && srv.Running() {
		if srv.Port() == opts.Port {
			logger.Debug("{proxy - StartServer} already running on port %d", opts.Port)
			return nil
		}
		return types.NewProxyError(types.CodePortChangeWhileRunning,
			"running on port %d, requested %d; stop the server before changing ports", srv.Port(), opts.Port)
	}

	store, err := cache.NewStore(opts.CacheDir, opts.MaxCacheBytes)
	if err != nil {
		return fmt.Errorf("failed to initialize cache store: %w", err)
	}

	httpClient := client.NewHeaderSettingClient(opts)
	sched := scheduler.Default(opts, httpClient)

	s, err := server.New(opts, store, sched)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}

	srv = s
	lastOpts = opts

	if opts.DiagAddr != "" {
		diagSrv = diag.Start(opts.DiagAddr, func() diag.Status {
			return diag.Status{
				Running:    s.Running(),
				Port:       s.Port(),
				Handlers:   s.HandlerCount(),
				CacheBytes: s.CacheBytes(),
			}
		})
	}

	return nil
}

// Stop shuts the proxy down: listener first, then every live handler and
// its descendants. Idempotent.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if diagSrv != nil {
		diagSrv.Stop()
		diagSrv = nil
	}
	if srv != nil {
		srv.Stop()
		srv = nil
	}
}

// ConvertURL maps a remote media URL to its proxied loopback form. Non
// cacheable URLs (DRM manifests, live streams the host opts out) and calls
// made while the server is down return the remote URL unchanged, so playback
// always has a valid URL to fall back to.
func ConvertURL(remoteURL string, cacheable bool) string {
	if !cacheable || remoteURL == "" {
		return remoteURL
	}

	mu.Lock()
	s := srv
	mu.Unlock()

	if s == nil || !s.Running() {
		return remoteURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/proxy?url=%s", s.Port(), url.QueryEscape(remoteURL))
}

// ClearCache purges every cached entry. Works with the server running or
// stopped: when stopped, a transient store is opened over the configured
// cache directory just to purge it.
func ClearCache() error {
	mu.Lock()
	defer mu.Unlock()

	if srv != nil {
		srv.ClearCache()
		return nil
	}

	dir := config.DefaultCacheDir()
	if lastOpts != nil {
		dir = lastOpts.CacheDir
	}
	store, err := cache.NewStore(dir, 0)
	if err != nil {
		return fmt.Errorf("failed to open cache store for clearing: %w", err)
	}
	store.ClearAll()
	return nil
}

// Running reports whether the proxy is currently serving.
func Running() bool {
	mu.Lock()
	defer mu.Unlock()
	return srv != nil && srv.Running()
}

// ActivePort returns the live listener port, or 0 when stopped.
func ActivePort() int {
	mu.Lock()
	defer mu.Unlock()
	if srv == nil || !srv.Running() {
		return 0
	}
	return srv.Port()
}
