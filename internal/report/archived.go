package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/reportd/internal/archive"
	"github.com/loykin/reportd/internal/history"
	"github.com/loykin/reportd/internal/metrics"
)

// ReportSuffix is appended to a recording name to form its cached report
// file name.
const ReportSuffix = ".report.html"

// Resolver locates archived recordings. *archive.Store implements it.
type Resolver interface {
	Resolve(name string) (archive.Ref, error)
	Refresh(ref archive.Ref) (archive.Ref, error)
}

// FileRenderer renders a recording file into dest. *Generator implements it.
type FileRenderer interface {
	ExecFile(ctx context.Context, recordingPath, dest string, timeout time.Duration) (Result, error)
}

// ArchivedCache keeps rendered reports of archived recordings as files in
// a report directory.
type ArchivedCache struct {
	dir     string
	archive Resolver
	render  FileRenderer
	f       *flight

	// recordings remembers where each name resolved so a hit costs one stat
	mu         sync.Mutex
	recordings map[string]archive.Ref
}

func NewArchivedCache(reportDir string, store Resolver, render FileRenderer, opts CacheOptions) *ArchivedCache {
	return &ArchivedCache{
		dir:        reportDir,
		archive:    store,
		render:     render,
		f:          newFlight(history.CacheArchived, opts),
		recordings: make(map[string]archive.Ref),
	}
}

// ReportPath is where the report for recording name is kept.
func (c *ArchivedCache) ReportPath(name string) string {
	return filepath.Join(c.dir, name+ReportSuffix)
}

// Get returns the path of the report for the archived recording name,
// generating it when missing or older than the recording.
func (c *ArchivedCache) Get(ctx context.Context, name string) (string, error) {
	if !archive.ValidName(name) {
		return "", &GenerationError{Kind: KindRecordingNotFound, ExitCode: -1, Err: fmt.Errorf("invalid recording name %q", name)}
	}
	path := c.ReportPath(name)
	if c.fresh(name, path) {
		metrics.IncCacheHit(string(history.CacheArchived))
		return path, nil
	}
	metrics.IncCacheMiss(string(history.CacheArchived))
	return c.f.do(ctx, name, func(ctx context.Context) (string, error) {
		return c.generate(ctx, name, path)
	})
}

func (c *ArchivedCache) generate(ctx context.Context, name, path string) (string, error) {
	release, err := c.f.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if c.fresh(name, path) {
		return path, nil
	}

	ref, err := c.resolve(name)
	if err != nil {
		err = classify(err)
		c.f.record(ctx, name, "", Result{ExitCode: -1}, err)
		return "", err
	}
	res, err := c.render.ExecFile(ctx, ref.Path, path, c.f.timeout)
	err = classify(err)
	c.f.record(ctx, name, "", res, err)
	if err != nil {
		return "", err
	}
	return path, nil
}

// fresh reports whether a readable report exists at path that is not older
// than the recording it was made from. A report whose recording can no longer
// be resolved is still served.
func (c *ArchivedCache) fresh(name, path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	fh, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = fh.Close()
	ref, err := c.recording(name)
	if err != nil {
		return true
	}
	return !ref.ModTime.After(fi.ModTime())
}

// recording returns the current state of the recording name, re-checking the
// remembered location before searching the archive.
func (c *ArchivedCache) recording(name string) (archive.Ref, error) {
	c.mu.Lock()
	known, ok := c.recordings[name]
	c.mu.Unlock()
	if ok {
		ref, err := c.archive.Refresh(known)
		if err == nil {
			return ref, nil
		}
		c.mu.Lock()
		delete(c.recordings, name)
		c.mu.Unlock()
	}
	return c.resolve(name)
}

func (c *ArchivedCache) resolve(name string) (archive.Ref, error) {
	ref, err := c.archive.Resolve(name)
	if err != nil {
		return archive.Ref{}, err
	}
	c.mu.Lock()
	c.recordings[name] = ref
	c.mu.Unlock()
	return ref, nil
}

// Delete removes the cached report for name. It reports whether a file was
// removed; I/O errors are logged and reported as false.
func (c *ArchivedCache) Delete(name string) bool {
	if !archive.ValidName(name) {
		return false
	}
	path := c.ReportPath(name)
	err := os.Remove(path)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		c.f.log.Warn("Delete cached report failed", "path", path, "error", err)
		return false
	}
}
