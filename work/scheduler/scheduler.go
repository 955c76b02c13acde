package scheduler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"hlscache-proxy/work/buffer"
	"hlscache-proxy/work/client"
	"hlscache-proxy/work/config"
	"hlscache-proxy/work/logger"
	"hlscache-proxy/work/metrics"
	"hlscache-proxy/work/types"
	"hlscache-proxy/work/utils"
)

var (
	defaultScheduler *Scheduler
	defaultOnce      sync.Once
)

// Scheduler is the bounded-concurrency download engine shared by all data
// sources. Bulk segment fetches compete for a fixed permit pool; manifests,
// fMP4 init segments and small probe ranges bypass it on a fast lane. This
// split is the central resilience property of the proxy: under rapid feed
// scrolling hundreds of segment requests queue here instead of exhausting
// sockets and file descriptors.
type Scheduler struct {
	httpClient *client.HeaderSettingClient
	bufPool    *buffer.Pool

	// permits is the counting semaphore for bulk downloads. Acquisition
	// happens only on the serial queue goroutine, so at most one waiter
	// ever blocks a thread.
	permits chan struct{}
	queue   chan *Task

	tasks  *xsync.MapOf[uint64, *Task]
	nextID atomic.Uint64

	limiters  map[string]ratelimit.Limiter
	limiterMu sync.RWMutex
	ratePerS  int

	segTimeout time.Duration
	obfuscate  bool
}

// New builds a Scheduler and starts its serial permit-acquisition queue.
func New(opts *config.Options, httpClient *client.HeaderSettingClient) *Scheduler {
	s := &Scheduler{
		httpClient: httpClient,
		bufPool:    buffer.NewPool(buffer.DefaultChunkSize),
		permits:    make(chan struct{}, opts.MaxConcurrentBulk),
		queue:      make(chan *Task, 1024),
		tasks:      xsync.NewMapOf[uint64, *Task](),
		limiters:   make(map[string]ratelimit.Limiter),
		ratePerS:   opts.OriginRequestsPerSec,
		segTimeout: opts.SegmentTimeout,
		obfuscate:  opts.ObfuscateUrls,
	}
	go s.runQueue()
	return s
}

// Default returns the process-wide scheduler, creating it on first use.
func Default(opts *config.Options, httpClient *client.HeaderSettingClient) *Scheduler {
	defaultOnce.Do(func() {
		defaultScheduler = New(opts, httpClient)
	})
	return defaultScheduler
}

// Classify decides the priority class for a download at submission time.
func Classify(rawURL string, rng *types.ByteRange) types.Priority {
	if strings.Contains(rawURL, ".m3u8") || strings.Contains(rawURL, "init.mp4") {
		return types.PriorityFast
	}
	if u, err := url.Parse(rawURL); err == nil && path.Ext(u.Path) == ".m3u8" {
		return types.PriorityFast
	}
	if rng != nil && rng.SmallProbe() {
		return types.PriorityFast
	}
	return types.PriorityBulk
}

// Task is one outstanding HTTP fetch. Its completion latch fires the
// delegate's OnComplete exactly once for every outcome: success, transport
// error, cancel while queued, cancel while in flight.
type Task struct {
	id       uint64
	url      string
	rng      *types.ByteRange
	priority types.Priority
	delegate types.DownloadDelegate
	sched    *Scheduler

	ctx       context.Context
	cancelCtx context.CancelFunc

	once      sync.Once
	permitted atomic.Bool
	cancelled atomic.Bool
}

// ID returns the task's scheduler-unique id.
func (t *Task) ID() uint64 {
	return t.id
}

// Priority returns the task's priority class.
func (t *Task) Priority() types.Priority {
	return t.priority
}

// Download submits a fetch for url with an optional byte range. Fast-lane
// tasks dispatch immediately; bulk tasks enqueue for a permit. The returned
// handle's Cancel is idempotent and safe from any goroutine.
func (s *Scheduler) Download(rawURL string, rng *types.ByteRange, delegate types.DownloadDelegate) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:        s.nextID.Add(1),
		url:       rawURL,
		rng:       rng,
		priority:  Classify(rawURL, rng),
		delegate:  delegate,
		sched:     s,
		ctx:       ctx,
		cancelCtx: cancel,
	}
	s.tasks.Store(t.id, t)

	logger.Debug("{scheduler - Download} task %d (%s): %s", t.id, t.priority, utils.LogURL(s.obfuscate, rawURL))

	if t.priority == types.PriorityFast {
		go t.run()
		return t
	}

	select {
	case s.queue <- t:
	default:
		// queue full; block off the caller's goroutine rather than drop
		go func() { s.queue <- t }()
	}
	return t
}

// runQueue is the serial permit-acquisition loop. Acquiring here rather than
// in per-task goroutines keeps the number of threads parked on the semaphore
// at one.
func (s *Scheduler) runQueue() {
	for t := range s.queue {
		if t.cancelled.Load() {
			t.finish(context.Canceled)
			continue
		}

		s.permits <- struct{}{}
		t.permitted.Store(true)
		metrics.BulkInFlight.Inc()

		if t.cancelled.Load() {
			// cancelled while waiting; the latch still releases the permit
			t.finish(context.Canceled)
			continue
		}

		go t.run()
	}
}

// run executes the fetch and drives the delegate callbacks.
func (t *Task) run() {
	s := t.sched

	if t.priority == types.PriorityBulk {
		s.limiterForHost(t.url).Take()
	}

	ctx, cancel := context.WithTimeout(t.ctx, s.segTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.finish(err)
		return
	}
	if t.rng != nil {
		req.Header.Set("Range", t.rng.HeaderValue())
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		metrics.DownloadErrors.WithLabelValues(errReason(err)).Inc()
		t.finish(err)
		return
	}
	defer resp.Body.Close()

	t.delegate.OnResponse(resp.StatusCode, resp.Header)

	buf := s.bufPool.Get()
	defer s.bufPool.Put(buf)

	for {
		n, rerr := resp.Body.Read(buf.B)
		if n > 0 {
			t.delegate.OnData(buf.B[:n])
		}
		if rerr == io.EOF {
			t.finish(nil)
			return
		}
		if rerr != nil {
			metrics.DownloadErrors.WithLabelValues(errReason(rerr)).Inc()
			t.finish(rerr)
			return
		}
	}
}

// finish is the one-shot completion latch. Whatever path reaches it first
// (session completion, transport error, or a cancel observed by the queue)
// releases the permit if held, deregisters the task and fires OnComplete.
func (t *Task) finish(err error) {
	t.once.Do(func() {
		if t.permitted.Load() {
			<-t.sched.permits
			metrics.BulkInFlight.Dec()
		}
		t.sched.tasks.Delete(t.id)
		t.delegate.OnComplete(err)
	})
}

// Cancel aborts the task. Idempotent. A task still waiting in the queue is
// finished by the queue goroutine when it is dequeued; an in-flight task is
// torn down through its request context.
func (t *Task) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}
	logger.Debug("{scheduler - Cancel} task %d cancelled", t.id)
	t.cancelCtx()
}

// Lookup returns the task with the given id, if still registered. Lookups on
// completed tasks simply miss; a task removed during one callback never
// crashes a later one.
func (s *Scheduler) Lookup(id uint64) (*Task, bool) {
	return s.tasks.Load(id)
}

// InFlightBulk reports the number of bulk permits currently held.
func (s *Scheduler) InFlightBulk() int {
	return len(s.permits)
}

// AvailablePermits reports how many bulk permits are free.
func (s *Scheduler) AvailablePermits() int {
	return cap(s.permits) - len(s.permits)
}

// limiterForHost returns the per-host origin rate limiter, creating it on
// first use with a double-checked lock.
func (s *Scheduler) limiterForHost(rawURL string) ratelimit.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	s.limiterMu.RLock()
	limiter, ok := s.limiters[host]
	s.limiterMu.RUnlock()
	if ok {
		return limiter
	}

	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if limiter, ok := s.limiters[host]; ok {
		return limiter
	}
	limiter = ratelimit.New(s.ratePerS)
	s.limiters[host] = limiter
	return limiter
}

func errReason(err error) string {
	if err == nil {
		return "none"
	}
	if err == context.Canceled || strings.Contains(err.Error(), "context canceled") {
		return "cancelled"
	}
	return "network"
}
