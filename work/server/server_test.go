package server_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hlscache-proxy/work/cache"
	"hlscache-proxy/work/client"
	"hlscache-proxy/work/config"
	"hlscache-proxy/work/scheduler"
	"hlscache-proxy/work/server"
)

// startProxy brings up a server on the given port with a fresh store.
func startProxy(t *testing.T, port int, maxBytes int64) (*server.Server, *cache.Store) {
	t.Helper()

	opts := &config.Options{
		Port:          port,
		MaxCacheBytes: maxBytes,
		CacheDir:      t.TempDir(),
		PruneDelay:    time.Hour, // keep prune out of test timing
	}
	config.ValidateAndSetDefaults(opts)

	store, err := cache.NewStore(opts.CacheDir, opts.MaxCacheBytes)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sched := scheduler.New(opts, client.NewHeaderSettingClient(opts))
	srv, err := server.New(opts, store, sched)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, store
}

func proxyGet(t *testing.T, port int, remoteURL string, rangeHeader string) (*http.Response, []byte) {
	t.Helper()

	reqURL := fmt.Sprintf("http://127.0.0.1:%d/proxy?url=%s", port, url.QueryEscape(remoteURL))
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   10 * time.Second,
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, body
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func TestColdSegmentFetchThenWarmHit(t *testing.T) {
	var originHits atomic.Int32
	segment := strings.Repeat("A", 500)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits.Add(1)
		w.Write([]byte(segment))
	}))
	defer origin.Close()

	const port = 19095
	_, store := startProxy(t, port, 1<<20)
	remote := origin.URL + "/seg1.ts"

	resp, body := proxyGet(t, port, remote, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "500" {
		t.Errorf("Content-Length = %q, want 500", resp.Header.Get("Content-Length"))
	}
	if resp.Header.Get("Content-Type") != "video/mp2t" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if string(body) != segment {
		t.Fatalf("body mismatch: %d bytes", len(body))
	}

	// the playthrough warms the cache
	key := cache.Key(remote, nil)
	waitForCondition(t, 3*time.Second, func() bool { return store.Exists(key) }, "segment to land on disk")
	if size, _ := store.SizeOf(key); size != 500 {
		t.Errorf("cached size = %d, want 500", size)
	}

	// second fetch comes from disk, not the origin
	resp2, body2 := proxyGet(t, port, remote, "")
	if resp2.StatusCode != http.StatusOK || string(body2) != segment {
		t.Fatal("warm hit served wrong content")
	}
	if hits := originHits.Load(); hits != 1 {
		t.Errorf("origin hit %d times, want 1", hits)
	}
}

func TestRangeSeekOnCachedSegment(t *testing.T) {
	segment := strings.Repeat("A", 500)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(segment))
	}))
	defer origin.Close()

	const port = 19096
	_, store := startProxy(t, port, 1<<20)
	remote := origin.URL + "/seg1.ts"

	// warm the cache with a full fetch
	proxyGet(t, port, remote, "")
	waitForCondition(t, 3*time.Second, func() bool { return store.Exists(cache.Key(remote, nil)) },
		"segment to land on disk")

	resp, body := proxyGet(t, port, remote, "bytes=100-199")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 100-199/500" {
		t.Errorf("Content-Range = %q, want %q", cr, "bytes 100-199/500")
	}
	if cl := resp.Header.Get("Content-Length"); cl != "100" {
		t.Errorf("Content-Length = %q, want 100", cl)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Error("missing Accept-Ranges")
	}
	if len(body) != 100 || string(body) != strings.Repeat("A", 100) {
		t.Fatalf("body = %d bytes", len(body))
	}
}

func TestOpenEndedRangeOnCachedSegment(t *testing.T) {
	segment := strings.Repeat("B", 300)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(segment))
	}))
	defer origin.Close()

	const port = 19097
	_, store := startProxy(t, port, 1<<20)
	remote := origin.URL + "/seg2.ts"

	proxyGet(t, port, remote, "")
	waitForCondition(t, 3*time.Second, func() bool { return store.Exists(cache.Key(remote, nil)) },
		"segment to land on disk")

	resp, body := proxyGet(t, port, remote, "bytes=250-")
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 250-299/300" {
		t.Errorf("Content-Range = %q", cr)
	}
	if len(body) != 50 {
		t.Errorf("body = %d bytes, want 50", len(body))
	}
}

func TestManifestRewrite(t *testing.T) {
	const port = 19099

	var origin *httptest.Server
	origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/p/m.m3u8" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-KEY:METHOD=AES-128,URI=\"k.bin\"\n" +
			"seg1.ts\n" +
			"http://cdn/seg2.ts\n"))
	}))
	defer origin.Close()

	startProxy(t, port, 1<<20)
	remote := origin.URL + "/p/m.m3u8"

	resp, body := proxyGet(t, port, remote, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}

	wrap := func(u string) string {
		return fmt.Sprintf("http://127.0.0.1:%d/proxy?url=%s", port, url.QueryEscape(u))
	}
	want := "#EXTM3U\n" +
		"#EXT-X-KEY:METHOD=AES-128,URI=\"" + wrap(origin.URL+"/p/k.bin") + "\"\n" +
		wrap(origin.URL+"/p/seg1.ts") + "\n" +
		wrap("http://cdn/seg2.ts") + "\n"

	if string(body) != want {
		t.Errorf("rewritten manifest mismatch:\ngot:\n%s\nwant:\n%s", body, want)
	}

	// a second request is served from cache but rewritten just the same
	_, body2 := proxyGet(t, port, remote, "")
	if string(body2) != want {
		t.Error("cached manifest serve differs from cold serve")
	}
}

func TestManifestOriginFailureIs404(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	const port = 19094
	startProxy(t, port, 1<<20)

	resp, _ := proxyGet(t, port, origin.URL+"/dead.m3u8", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUnknownPathAndMissingParam(t *testing.T) {
	const port = 19093
	startProxy(t, port, 1<<20)

	httpClient := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   5 * time.Second,
	}

	for _, target := range []string{
		fmt.Sprintf("http://127.0.0.1:%d/other", port),
		fmt.Sprintf("http://127.0.0.1:%d/proxy", port),
		fmt.Sprintf("http://127.0.0.1:%d/proxy?url=not-a-url", port),
	} {
		resp, err := httpClient.Get(target)
		if err != nil {
			t.Fatalf("Get %s: %v", target, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, resp.StatusCode)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	const port = 19092
	srv, _ := startProxy(t, port, 1<<20)

	if !srv.Running() {
		t.Fatal("server not running after Start")
	}
	srv.Stop()
	if srv.Running() {
		t.Fatal("server running after Stop")
	}
	srv.Stop() // no-op

	// the port is released
	waitForCondition(t, 3*time.Second, func() bool {
		probe := &http.Client{Timeout: 500 * time.Millisecond}
		_, err := probe.Get(fmt.Sprintf("http://127.0.0.1:%d/proxy", port))
		return err != nil
	}, "listener to close")
}

func TestStartIsIdempotent(t *testing.T) {
	const port = 19091
	srv, _ := startProxy(t, port, 1<<20)

	if err := srv.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if srv.Port() != port {
		t.Errorf("Port = %d, want %d", srv.Port(), port)
	}
}

func TestPortInUse(t *testing.T) {
	const port = 19090
	startProxy(t, port, 1<<20)

	opts := &config.Options{Port: port, CacheDir: t.TempDir()}
	config.ValidateAndSetDefaults(opts)
	store, _ := cache.NewStore(opts.CacheDir, opts.MaxCacheBytes)
	sched := scheduler.New(opts, client.NewHeaderSettingClient(opts))
	second, err := server.New(opts, store, sched)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	err = second.Start()
	if err == nil {
		second.Stop()
		t.Fatal("second bind on same port succeeded")
	}
	if !strings.Contains(err.Error(), "PORT_IN_USE") {
		t.Errorf("error = %v, want PORT_IN_USE", err)
	}
}
