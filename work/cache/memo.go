package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// ManifestMemo is a small in-memory cache of rewritten manifest text, keyed
// by (manifest URL, proxy port). The disk store stays authoritative; the
// memo only saves the disk read plus rewrite on hot re-requests of the same
// manifest, which vertical feeds issue in bursts. Keying by port means a
// restart on a different port can never serve a stale rewrite.
type ManifestMemo struct {
	cache *otter.Cache[string, string]
}

// NewManifestMemo builds a memo whose entries expire ttl after being written.
func NewManifestMemo(ttl time.Duration, maxEntries int) *ManifestMemo {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &ManifestMemo{
		cache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      maxEntries,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		}),
	}
}

func memoKey(url string, port int) string {
	return fmt.Sprintf("%d|%s", port, url)
}

// Get returns the memoized rewritten text for a manifest URL and port.
func (m *ManifestMemo) Get(url string, port int) (string, bool) {
	return m.cache.GetIfPresent(memoKey(url, port))
}

// Set memoizes the rewritten text for a manifest URL and port.
func (m *ManifestMemo) Set(url string, port int, rewritten string) {
	m.cache.Set(memoKey(url, port), rewritten)
}

// Invalidate drops the memo entry for one manifest URL and port.
func (m *ManifestMemo) Invalidate(url string, port int) {
	m.cache.Invalidate(memoKey(url, port))
}

// Clear drops every memoized manifest.
func (m *ManifestMemo) Clear() {
	m.cache.InvalidateAll()
}
