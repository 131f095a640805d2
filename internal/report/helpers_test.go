package report

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/reportd/internal/target"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

// shCommand runs script with the input and output paths as $1 and $2.
func shCommand(script string) []string {
	return []string{"/bin/sh", "-c", script, "render"}
}

func newTestGenerator(t *testing.T, script string, env ...string) *Generator {
	t.Helper()
	g, err := NewGenerator(GeneratorConfig{
		Command:        shCommand(script),
		Timeout:        10 * time.Second,
		TmpDir:         t.TempDir(),
		Env:            env,
		SampleInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// countLines returns the number of lines in path, 0 when it does not exist.
func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Count(string(b), "\n")
}

func tmpLeftovers(t *testing.T, dest string) []string {
	t.Helper()
	m, err := filepath.Glob(dest + ".tmp-*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return m
}

// stubConn serves recordings from memory.
type stubConn struct {
	recordings map[string]string
	openErr    error
	body       func(name string) io.ReadCloser
	closed     atomic.Bool
}

func (c *stubConn) OpenRecording(_ context.Context, name string) (io.ReadCloser, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	if c.body != nil {
		return c.body(name), nil
	}
	data, ok := c.recordings[name]
	if !ok {
		return nil, target.ErrRecordingNotFound
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (c *stubConn) Close() error {
	c.closed.Store(true)
	return nil
}

// brokenReader yields data and then fails like a dropped connection.
type brokenReader struct {
	data []byte
	err  error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func (r *brokenReader) Close() error { return nil }

// overlapTracker records how many renders run at once.
type overlapTracker struct {
	mu      sync.Mutex
	running int
	max     int
	calls   int
}

func (o *overlapTracker) enter() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	o.running++
	if o.running > o.max {
		o.max = o.running
	}
}

func (o *overlapTracker) leave() {
	o.mu.Lock()
	o.running--
	o.mu.Unlock()
}

func (o *overlapTracker) stats() (calls, max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls, o.max
}
