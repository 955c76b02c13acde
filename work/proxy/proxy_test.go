package proxy_test

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"hlscache-proxy/work/config"
	"hlscache-proxy/work/proxy"
	"hlscache-proxy/work/types"
)

func testOpts(t *testing.T, port int) *config.Options {
	t.Helper()
	return &config.Options{
		Port:     port,
		CacheDir: t.TempDir(),
	}
}

func TestPortLifecycle(t *testing.T) {
	defer proxy.Stop()

	if err := proxy.StartServer(testOpts(t, 19200)); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	// same port again is a no-op
	if err := proxy.StartServer(testOpts(t, 19200)); err != nil {
		t.Fatalf("repeated StartServer: %v", err)
	}

	// a different port while running is refused
	err := proxy.StartServer(testOpts(t, 19201))
	if err == nil {
		t.Fatal("port change while running succeeded")
	}
	var perr *types.ProxyError
	if !errors.As(err, &perr) || perr.Code != types.CodePortChangeWhileRunning {
		t.Fatalf("error = %v, want PORT_CHANGE_WHILE_RUNNING", err)
	}

	// stop, then the new port works
	proxy.Stop()
	if proxy.Running() {
		t.Fatal("running after Stop")
	}
	if err := proxy.StartServer(testOpts(t, 19201)); err != nil {
		t.Fatalf("StartServer after Stop: %v", err)
	}
	if proxy.ActivePort() != 19201 {
		t.Errorf("ActivePort = %d, want 19201", proxy.ActivePort())
	}

	proxy.Stop()
	proxy.Stop() // idempotent
}

func TestConvertURL(t *testing.T) {
	defer proxy.Stop()

	remote := "http://cdn.example.com/v/master.m3u8?token=abc"

	// not running: safe fallback to the remote URL
	if got := proxy.ConvertURL(remote, true); got != remote {
		t.Errorf("ConvertURL while stopped = %q, want passthrough", got)
	}

	if err := proxy.StartServer(testOpts(t, 19202)); err != nil {
		t.Fatalf("StartServer: %v", err)
	}

	got := proxy.ConvertURL(remote, true)
	want := "http://127.0.0.1:19202/proxy?url=" + url.QueryEscape(remote)
	if got != want {
		t.Errorf("ConvertURL = %q, want %q", got, want)
	}

	// non-cacheable URLs pass through untouched
	if got := proxy.ConvertURL(remote, false); got != remote {
		t.Errorf("non-cacheable ConvertURL = %q, want passthrough", got)
	}

	// the converted URL embeds the query-escaped remote URL
	if !strings.Contains(got, url.QueryEscape(remote)) {
		t.Error("converted URL does not embed the escaped remote URL")
	}
}

func TestConvertURLEmpty(t *testing.T) {
	if got := proxy.ConvertURL("", true); got != "" {
		t.Errorf("ConvertURL(\"\") = %q", got)
	}
}

func TestClearCacheWhileStopped(t *testing.T) {
	proxy.Stop()
	if err := proxy.ClearCache(); err != nil {
		t.Fatalf("ClearCache while stopped: %v", err)
	}
}

func TestClearCacheWhileRunning(t *testing.T) {
	defer proxy.Stop()

	if err := proxy.StartServer(testOpts(t, 19203)); err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	if err := proxy.ClearCache(); err != nil {
		t.Fatalf("ClearCache while running: %v", err)
	}
}
