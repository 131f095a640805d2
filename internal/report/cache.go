package report

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/reportd/internal/history"
	"github.com/loykin/reportd/internal/metrics"
)

// DefaultConcurrency is the number of render children a cache runs at once.
const DefaultConcurrency = 1

// CacheOptions are shared by both report caches.
type CacheOptions struct {
	// Concurrency bounds simultaneous generations per cache (DefaultConcurrency if <= 0).
	Concurrency int64
	// Timeout is passed to the generator; 0 uses its default.
	Timeout time.Duration
	History *history.Recorder
	Logger  *slog.Logger
}

// flight coordinates generations for one cache: one in flight per key, at
// most Concurrency in total.
type flight struct {
	cache   history.Cache
	sem     *semaphore.Weighted
	group   singleflight.Group
	timeout time.Duration
	hist    *history.Recorder
	log     *slog.Logger

	mu    sync.Mutex
	runs  map[string]*run
	runID uint64
}

// run is the shared context of one generation of a key. It outlives the
// caller that started it and is cancelled once no caller waits on it.
type run struct {
	group   string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func newFlight(cache history.Cache, o CacheOptions) *flight {
	n := o.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &flight{
		cache:   cache,
		sem:     semaphore.NewWeighted(n),
		timeout: o.Timeout,
		hist:    o.History,
		log:     log.With("cache", string(cache)),
		runs:    make(map[string]*run),
	}
}

// do runs fn for key unless a run for key is already in flight, in which case
// it waits for that run's result. fn does not see the cancellation of any
// single caller: a caller whose ctx ends stops waiting, and the run is
// cancelled only when the last waiter has gone.
func (f *flight) do(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	r := f.join(ctx, key)
	defer f.leave(key, r)
	ch := f.group.DoChan(r.group, func() (any, error) {
		return fn(r.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", contextError(ctx.Err())
	}
}

func (f *flight) join(ctx context.Context, key string) *run {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[key]
	if r == nil {
		f.runID++
		rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		// a fresh singleflight key per run: new callers never join a run
		// that everyone abandoned
		r = &run{group: key + "#" + strconv.FormatUint(f.runID, 10), ctx: rctx, cancel: cancel}
		f.runs[key] = r
	}
	r.waiters++
	return r
}

func (f *flight) leave(key string, r *run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.waiters--
	if r.waiters > 0 {
		return
	}
	r.cancel()
	if f.runs[key] == r {
		delete(f.runs, key)
	}
}

// acquire takes a generation slot. The returned release must be called.
func (f *flight) acquire(ctx context.Context) (func(), error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, contextError(err)
	}
	metrics.AddGenerationsInFlight(string(f.cache), 1)
	return func() {
		metrics.AddGenerationsInFlight(string(f.cache), -1)
		f.sem.Release(1)
	}, nil
}

// record exports one generation attempt to metrics, logs and history.
func (f *flight) record(ctx context.Context, key, tgt string, res Result, err error) {
	outcome := Outcome(err)
	c := string(f.cache)
	metrics.IncGeneration(c, outcome)
	if res.Duration > 0 {
		metrics.ObserveGenerationDuration(c, res.Duration.Seconds())
	}
	if res.PeakRSS > 0 {
		metrics.ObserveChildPeakRSS(c, res.PeakRSS)
	}
	ev := history.Event{
		Cache:      f.cache,
		Key:        key,
		Target:     tgt,
		Outcome:    outcome,
		ExitCode:   ExitCodeOf(err),
		DurationMs: res.Duration.Milliseconds(),
		PeakRSS:    res.PeakRSS,
		OccurredAt: time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
		f.log.Warn("Report generation failed", "key", key, "target", tgt, "outcome", outcome, "error", err)
	} else {
		f.log.Info("Generated report", "key", key, "target", tgt, "duration", res.Duration, "peak_rss", res.PeakRSS)
	}
	f.hist.Publish(ctx, ev)
}
