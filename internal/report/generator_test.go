package report

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/reportd/internal/logger"
	"github.com/loykin/reportd/internal/target"
)

func TestExecFile_Success(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	rec := filepath.Join(dir, "rec.flr")
	require.NoError(t, os.WriteFile(rec, []byte("payload"), 0o600))
	dest := filepath.Join(dir, "reports", "rec.flr.report.html")

	g := newTestGenerator(t, `printf '<html>%s</html>' "$(cat "$1")" > "$2"`)
	res, err := g.ExecFile(context.Background(), rec, dest, 0)
	require.NoError(t, err)
	assert.Equal(t, dest, res.Path)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, res.Duration, time.Duration(0))

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "<html>payload</html>", string(b))
	assert.Empty(t, tmpLeftovers(t, dest))
}

func TestExecFile_ExitCodes(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		code     string
		sentinel error
		kind     Kind
	}{
		{"10", ErrTargetConnection, KindTargetConnection},
		{"11", ErrRecordingNotFound, KindRecordingNotFound},
		{"12", ErrOutOfMemory, KindOutOfMemory},
		{"13", ErrGenerationFailed, KindOther},
		{"14", ErrGenerationFailed, KindOther},
		{"7", ErrGenerationFailed, KindOther},
	}
	for _, tc := range cases {
		t.Run("exit_"+tc.code, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out.html")
			g := newTestGenerator(t, "exit "+tc.code)
			_, err := g.ExecFile(context.Background(), "/nonexistent", dest, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.sentinel)
			assert.Equal(t, tc.kind, KindOf(err))
			assert.Equal(t, tc.code, strconv.Itoa(ExitCodeOf(err)))
			_, statErr := os.Stat(dest)
			assert.True(t, errors.Is(statErr, os.ErrNotExist))
		})
	}
}

func TestExecFile_PartialOutputNeverPublished(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	dest := filepath.Join(dir, "r.report.html")
	require.NoError(t, os.WriteFile(dest, []byte("OLD"), 0o600))

	g := newTestGenerator(t, `printf '<html>PARTIAL' > "$2"; exit 13`)
	_, err := g.ExecFile(context.Background(), "/dev/null", dest, 0)
	require.ErrorIs(t, err, ErrGenerationFailed)

	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "OLD", string(b))
	assert.Empty(t, tmpLeftovers(t, dest))
}

func TestExecFile_EmptyOutputIsFailure(t *testing.T) {
	requireUnix(t)
	dest := filepath.Join(t.TempDir(), "r.report.html")
	g := newTestGenerator(t, `: > "$2"`)
	_, err := g.ExecFile(context.Background(), "/dev/null", dest, 0)
	require.ErrorIs(t, err, ErrGenerationFailed)
	_, statErr := os.Stat(dest)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
	assert.Empty(t, tmpLeftovers(t, dest))
}

func TestExecFile_KilledBySignalIsOutOfMemory(t *testing.T) {
	requireUnix(t)
	dest := filepath.Join(t.TempDir(), "r.report.html")
	g := newTestGenerator(t, `kill -9 $$`)
	_, err := g.ExecFile(context.Background(), "/dev/null", dest, 0)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, -1, ExitCodeOf(err))
}

func TestExecFile_ParentContextCancelled(t *testing.T) {
	requireUnix(t)
	dest := filepath.Join(t.TempDir(), "r.report.html")
	g := newTestGenerator(t, `sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := g.ExecFile(ctx, "/dev/null", dest, 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecFile_CancelledIsNotTimeout(t *testing.T) {
	requireUnix(t)
	dest := filepath.Join(t.TempDir(), "r.report.html")
	g := newTestGenerator(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := g.ExecFile(ctx, "/dev/null", dest, 0)
	require.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Empty(t, tmpLeftovers(t, dest))
}

func TestExecFile_StartFailure(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{Command: []string{filepath.Join(t.TempDir(), "missing-binary")}})
	require.NoError(t, err)
	_, err = g.ExecFile(context.Background(), "in", filepath.Join(t.TempDir(), "out"), 0)
	require.ErrorIs(t, err, ErrGenerationFailed)
}

func TestExecFile_StderrCapturedAndLogged(t *testing.T) {
	requireUnix(t)
	logDir := filepath.Join(t.TempDir(), "children")
	g, err := NewGenerator(GeneratorConfig{
		Command:  shCommand(`echo "render exploded" >&2; exit 13`),
		ChildLog: logger.FileConfig{Dir: logDir},
	})
	require.NoError(t, err)

	_, err = g.ExecFile(context.Background(), "/dev/null", filepath.Join(t.TempDir(), "o.html"), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render exploded")
	require.NoError(t, g.Close())

	b, err := os.ReadFile(filepath.Join(logDir, "render.stderr.log"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "render exploded")
}

func TestExecFile_ChildEnvironment(t *testing.T) {
	requireUnix(t)
	dest := filepath.Join(t.TempDir(), "env.html")
	g, err := NewGenerator(GeneratorConfig{
		Command:      shCommand(`printf '%s|%s' "$REPORTD_MAX_HEAP" "$REPORT_MODE" > "$2"`),
		Env:          []string{"REPORT_MODE=summary"},
		MaxHeapBytes: 1 << 20,
	})
	require.NoError(t, err)
	_, err = g.ExecFile(context.Background(), "/dev/null", dest, 0)
	require.NoError(t, err)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "1048576|summary", string(b))
}

func TestExecRecording_StreamsToStdin(t *testing.T) {
	requireUnix(t)
	g := newTestGenerator(t, `test "$1" = "-" || exit 13; cat > "$2"`)
	conn := &stubConn{recordings: map[string]string{"live": "<html>REPORT</html>"}}

	res, err := g.ExecRecording(context.Background(), conn, "live", 0)
	require.NoError(t, err)
	defer func() { _ = os.Remove(res.Path) }()
	b, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, "<html>REPORT</html>", string(b))
}

func TestExecRecording_NotFoundNeverStartsChild(t *testing.T) {
	requireUnix(t)
	marker := filepath.Join(t.TempDir(), "ran")
	g := newTestGenerator(t, `touch "$MARKER"; cat > "$2"`, "MARKER="+marker)
	_, err := g.ExecRecording(context.Background(), &stubConn{}, "missing", 0)
	require.ErrorIs(t, err, ErrRecordingNotFound)
	_, statErr := os.Stat(marker)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "child must not run")
}

func TestExecRecording_BrokenStreamIsConnectionFailure(t *testing.T) {
	requireUnix(t)
	g := newTestGenerator(t, `cat > "$2"`)
	conn := &stubConn{body: func(string) io.ReadCloser {
		return &brokenReader{
			data: []byte("<html>half"),
			err:  &target.ConnectionError{Op: "read recording", Err: io.ErrUnexpectedEOF},
		}
	}}
	_, err := g.ExecRecording(context.Background(), conn, "live", 0)
	require.ErrorIs(t, err, ErrTargetConnection)
	assert.True(t, target.IsConnectionFailure(err))
}

func TestExecRecording_ChildIgnoringStdin(t *testing.T) {
	requireUnix(t)
	g := newTestGenerator(t, `printf ok > "$2"`)
	big := strings.Repeat("x", 4<<20)
	conn := &stubConn{recordings: map[string]string{"big": big}}
	res, err := g.ExecRecording(context.Background(), conn, "big", 0)
	require.NoError(t, err)
	_ = os.Remove(res.Path)
}
