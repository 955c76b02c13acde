package source

import (
	"net/url"

	"github.com/puzpuzpuz/xsync/v3"
)

// HeadTracker implements head-only caching: when enabled, only the first N
// segments per origin are persisted to disk and later segments stream
// through without being written. Counters live in process memory only; a
// restart starts the window over.
type HeadTracker struct {
	counts  *xsync.MapOf[string, *xsync.Counter]
	limit   int64
	enabled bool
}

// NewHeadTracker builds a tracker persisting at most limit segments per
// origin. A disabled tracker allows everything.
func NewHeadTracker(enabled bool, limit int) *HeadTracker {
	return &HeadTracker{
		counts:  xsync.NewMapOf[string, *xsync.Counter](),
		limit:   int64(limit),
		enabled: enabled,
	}
}

// originOf groups URLs by scheme and host.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

// Reset restarts the persistence window for a URL's origin. Called when a
// fresh media playlist is fetched, so each newly opened video gets its head
// cached even when an earlier video from the same origin used up the window.
func (h *HeadTracker) Reset(rawURL string) {
	if !h.enabled {
		return
	}
	h.counts.Store(originOf(rawURL), xsync.NewCounter())
}

// Allow reports whether a segment from this URL should be persisted, and
// consumes one slot of the origin's window when it is.
func (h *HeadTracker) Allow(rawURL string) bool {
	if !h.enabled {
		return true
	}
	counter, _ := h.counts.LoadOrStore(originOf(rawURL), xsync.NewCounter())
	if counter.Value() >= h.limit {
		return false
	}
	counter.Inc()
	return true
}
