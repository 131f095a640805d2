package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/loykin/reportd/internal/archive"
	"github.com/loykin/reportd/internal/history"
	"github.com/loykin/reportd/internal/metrics"
	"github.com/loykin/reportd/internal/target"
)

// DefaultActiveTTL is how long a report of an active recording is served
// before it is regenerated.
const DefaultActiveTTL = 30 * time.Minute

// Executor runs a task against a pooled target connection. *target.Manager
// implements it.
type Executor = target.Executor

// RecordingRenderer renders an active recording read from a live connection.
// *Generator implements it.
type RecordingRenderer interface {
	ExecRecording(ctx context.Context, conn target.Conn, name string, timeout time.Duration) (Result, error)
}

type activeKey struct {
	target    target.ID
	recording string
}

func (k activeKey) String() string { return k.target.String() + "|" + k.recording }

type activeEntry struct {
	doc     string
	expires time.Time
}

// ActiveCache holds rendered reports of recordings still live on a target,
// keyed by (target, recording name).
type ActiveCache struct {
	pool   Executor
	render RecordingRenderer
	ttl    time.Duration
	now    func() time.Time
	f      *flight

	mu      sync.Mutex
	entries map[activeKey]activeEntry
}

// NewActiveCache builds an ActiveCache. ttl <= 0 means DefaultActiveTTL.
func NewActiveCache(pool Executor, render RecordingRenderer, ttl time.Duration, opts CacheOptions) *ActiveCache {
	if ttl <= 0 {
		ttl = DefaultActiveTTL
	}
	return &ActiveCache{
		pool:    pool,
		render:  render,
		ttl:     ttl,
		now:     time.Now,
		f:       newFlight(history.CacheActive, opts),
		entries: make(map[activeKey]activeEntry),
	}
}

// Get returns the report for recording on target id, generating it on a
// miss. Errors are *GenerationError and are never retried.
func (c *ActiveCache) Get(ctx context.Context, id target.ID, recording string) (string, error) {
	if !archive.ValidName(recording) {
		return "", &GenerationError{Kind: KindRecordingNotFound, ExitCode: -1, Err: fmt.Errorf("invalid recording name %q", recording)}
	}
	key := activeKey{target: id, recording: recording}
	if doc, ok := c.lookup(key); ok {
		metrics.IncCacheHit(string(history.CacheActive))
		return doc, nil
	}
	metrics.IncCacheMiss(string(history.CacheActive))
	return c.f.do(ctx, key.String(), func(ctx context.Context) (string, error) {
		return c.generate(ctx, key)
	})
}

func (c *ActiveCache) generate(ctx context.Context, key activeKey) (string, error) {
	release, err := c.f.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if doc, ok := c.lookup(key); ok {
		return doc, nil
	}

	res, err := target.ExecuteValue(ctx, c.pool, key.target, func(ctx context.Context, conn target.Conn) (Result, error) {
		return c.render.ExecRecording(ctx, conn, key.recording, c.f.timeout)
	})
	var doc string
	if err == nil {
		doc, err = c.collect(res.Path)
	}
	err = classify(err)
	c.f.record(ctx, key.recording, key.target.String(), res, err)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pruneLocked()
	c.entries[key] = activeEntry{doc: doc, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return doc, nil
}

// collect reads a finished report and removes the file.
func (c *ActiveCache) collect(path string) (string, error) {
	b, err := os.ReadFile(path)
	if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		c.f.log.Warn("Remove rendered report failed", "path", path, "error", rmErr)
	}
	if err != nil {
		return "", &GenerationError{Kind: KindOther, ExitCode: -1, Err: fmt.Errorf("read report: %w", err)}
	}
	return string(b), nil
}

func (c *ActiveCache) lookup(key activeKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.doc, true
}

func (c *ActiveCache) pruneLocked() {
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Delete drops the cached report for recording on id. It reports whether an
// entry was present.
func (c *ActiveCache) Delete(id target.ID, recording string) bool {
	key := activeKey{target: id, recording: recording}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// DeleteTarget drops every cached report of target id and returns how many
// were removed.
func (c *ActiveCache) DeleteTarget(id target.ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.target == id {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of cached reports, expired ones included until they
// are next touched.
func (c *ActiveCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
