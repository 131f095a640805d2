package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/reportd/internal/env"
	"github.com/loykin/reportd/internal/logger"
	"github.com/loykin/reportd/internal/metrics"
	"github.com/loykin/reportd/internal/target"
)

const (
	DefaultTimeout = 5 * time.Minute
	// MaxHeapEnv carries the child's heap limit in bytes.
	MaxHeapEnv = "REPORTD_MAX_HEAP"
	// StdinInput is the input argument telling the child to read stdin.
	StdinInput = "-"

	waitDelay     = 2 * time.Second
	drainTimeout  = 5 * time.Second
	stderrTailLen = 2048
)

// GeneratorConfig configures report generation child processes.
type GeneratorConfig struct {
	// Command is the child argv prefix; input and output paths are appended.
	// Defaults to this executable's "render" subcommand.
	Command []string
	// Timeout applies when a call passes timeout <= 0.
	Timeout time.Duration
	// TmpDir receives outputs of active recordings (os.TempDir() if empty).
	TmpDir string
	// Env holds extra KEY=VALUE pairs layered over the service environment.
	Env []string
	// MaxHeapBytes is exported to the child as REPORTD_MAX_HEAP when > 0.
	MaxHeapBytes int64
	// ChildLog captures child stderr into Dir/render.stderr.log when Dir is set.
	ChildLog       logger.FileConfig
	SampleInterval time.Duration
	Logger         *slog.Logger
}

// Result describes a finished child run. It is filled on failure too, as far
// as the run got.
type Result struct {
	Path     string
	ExitCode int
	Duration time.Duration
	PeakRSS  uint64
}

// Generator runs report generation out of process. Each call spawns one
// child, bounded by a timeout after which its whole process group is killed.
// Generator does not serialize calls; the caches do.
type Generator struct {
	command []string
	timeout time.Duration
	tmpDir  string
	environ []string
	sample  time.Duration
	stderr  io.WriteCloser
	log     *slog.Logger
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	g := &Generator{
		command: append([]string(nil), cfg.Command...),
		timeout: cfg.Timeout,
		tmpDir:  cfg.TmpDir,
		sample:  cfg.SampleInterval,
		log:     cfg.Logger,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	if g.tmpDir == "" {
		g.tmpDir = os.TempDir()
	}
	if len(g.command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve render command: %w", err)
		}
		g.command = []string{exe, "render"}
	}
	var extra []string
	if cfg.MaxHeapBytes > 0 {
		extra = append(extra, MaxHeapEnv+"="+strconv.FormatInt(cfg.MaxHeapBytes, 10))
	}
	g.environ = env.FromOS().WithPairs(cfg.Env).Merge(extra)

	w, err := cfg.ChildLog.ChildWriter("render")
	if err != nil {
		return nil, err
	}
	g.stderr = w
	return g, nil
}

// Close releases the child stderr log.
func (g *Generator) Close() error {
	if g.stderr != nil {
		return g.stderr.Close()
	}
	return nil
}

// ExecRecording renders the active recording name read from conn. The
// recording is streamed into the child's stdin; the report is written to a
// fresh file under TmpDir whose path is returned and which the caller owns.
func (g *Generator) ExecRecording(ctx context.Context, conn target.Conn, name string, timeout time.Duration) (Result, error) {
	rc, err := conn.OpenRecording(ctx, name)
	if err != nil {
		return Result{ExitCode: -1}, classify(fmt.Errorf("open recording %q: %w", name, err))
	}
	dest := filepath.Join(g.tmpDir, "active-"+uuid.NewString()+".report.html")
	return g.run(ctx, StdinInput, dest, rc, timeout)
}

// ExecFile renders the archived recording at recordingPath into dest.
func (g *Generator) ExecFile(ctx context.Context, recordingPath, dest string, timeout time.Duration) (Result, error) {
	return g.run(ctx, recordingPath, dest, nil, timeout)
}

func (g *Generator) run(ctx context.Context, input, dest string, src io.ReadCloser, timeout time.Duration) (Result, error) {
	if src != nil {
		defer func() { _ = src.Close() }()
	}
	if timeout <= 0 {
		timeout = g.timeout
	}
	res := Result{ExitCode: -1}
	tmp := dest + ".tmp-" + uuid.NewString()
	removeTmp := func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.log.Warn("Remove partial report failed", "path", tmp, "error", err)
		}
	}

	args := append(append([]string(nil), g.command[1:]...), input, tmp)
	cmd := exec.Command(g.command[0], args...)
	cmd.Env = g.environ
	cmd.WaitDelay = waitDelay
	configureSysProcAttr(cmd)

	tail := &tailBuffer{max: stderrTailLen}
	if g.stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, g.stderr)
	} else {
		cmd.Stderr = tail
	}

	var stdin io.WriteCloser
	if src != nil {
		w, err := cmd.StdinPipe()
		if err != nil {
			return res, &GenerationError{Kind: KindOther, ExitCode: -1, Err: fmt.Errorf("stdin pipe: %w", err)}
		}
		stdin = w
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return res, &GenerationError{Kind: KindOther, ExitCode: -1, Err: fmt.Errorf("create report dir: %w", err)}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, &GenerationError{Kind: KindOther, ExitCode: -1, Err: fmt.Errorf("start render child: %w", err)}
	}
	sampler := metrics.StartChildSampler(cmd.Process.Pid, g.sample)
	g.log.Debug("Started render child", "pid", cmd.Process.Pid, "input", input, "output", tmp)

	var sw *stdinWriter
	copied := make(chan error, 1)
	if src != nil {
		sw = &stdinWriter{w: stdin}
		go func() {
			_, err := io.Copy(sw, src)
			// recorded before the child can observe EOF
			copied <- err
			_ = stdin.Close()
		}()
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr, cause error
	timedOut := false
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		killGroup(cmd)
		waitErr = <-waitCh
	case <-ctx.Done():
		cause = ctx.Err()
		killGroup(cmd)
		waitErr = <-waitCh
	}
	res.Duration = time.Since(start)
	res.PeakRSS = sampler.Stop()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var readErr error
	if src != nil {
		readErr = g.drainCopy(src, sw, copied)
	}

	switch {
	case timedOut:
		removeTmp()
		g.log.Warn("Render child timed out", "pid", cmd.Process.Pid, "timeout", timeout)
		return res, &GenerationError{Kind: KindTimeout, ExitCode: -1, Err: fmt.Errorf("killed after %s", timeout)}
	case cause != nil:
		removeTmp()
		return res, contextError(cause)
	case readErr != nil:
		removeTmp()
		kind := KindOther
		if target.IsConnectionFailure(readErr) {
			kind = KindTargetConnection
		}
		return res, &GenerationError{Kind: kind, ExitCode: res.ExitCode, Err: fmt.Errorf("stream recording: %w", readErr)}
	case waitErr != nil:
		removeTmp()
		return res, exitError(waitErr, res.ExitCode, tail.String())
	}

	fi, err := os.Stat(tmp)
	if err != nil || fi.Size() == 0 {
		removeTmp()
		return res, &GenerationError{Kind: KindOther, ExitCode: res.ExitCode, Err: errors.New("render child produced no output")}
	}
	if err := os.Rename(tmp, dest); err != nil {
		removeTmp()
		return res, &GenerationError{Kind: KindOther, ExitCode: res.ExitCode, Err: fmt.Errorf("publish report: %w", err)}
	}
	res.Path = dest
	return res, nil
}

// drainCopy returns the error from reading the recording, if any. Write
// errors mean the child stopped reading; its exit status decides those runs.
func (g *Generator) drainCopy(src io.Closer, sw *stdinWriter, copied <-chan error) error {
	var err error
	select {
	case err = <-copied:
	default:
		// the child is gone; unblock a read stuck on the source
		_ = src.Close()
		select {
		case <-copied:
		case <-time.After(drainTimeout):
			g.log.Warn("Recording stream did not stop after child exit")
		}
		return nil
	}
	if err == nil || sw.failed() {
		return nil
	}
	return err
}

func exitError(err error, code int, stderr string) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return &GenerationError{Kind: KindOther, ExitCode: code, Err: err}
	}
	if code < 0 {
		// killed by a signal we did not send; the OOM killer is the usual suspect
		return &GenerationError{Kind: KindOutOfMemory, ExitCode: -1, Err: withStderr(err, stderr)}
	}
	return &GenerationError{Kind: KindForExitCode(code), ExitCode: code, Err: withStderr(err, stderr)}
}

func withStderr(err error, stderr string) error {
	if stderr == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, stderr)
}

type stdinWriter struct {
	w   io.Writer
	mu  sync.Mutex
	err error
}

func (s *stdinWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}
	return n, err
}

func (s *stdinWriter) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err != nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
