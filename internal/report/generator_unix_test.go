//go:build !windows

package report

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecFile_TimeoutKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	grandFile := filepath.Join(dir, "grandchild.pid")
	dest := filepath.Join(dir, "slow.report.html")
	g := newTestGenerator(t,
		`sleep 30 & echo $! > "$GRAND"; echo $$ > "$PIDFILE"; printf partial > "$2"; wait`,
		"PIDFILE="+pidFile, "GRAND="+grandFile)

	start := time.Now()
	_, err := g.ExecFile(context.Background(), "/dev/null", dest, 300*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	for _, f := range []string{pidFile, grandFile} {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return processGone(pid)
		}, 5*time.Second, 20*time.Millisecond, "process %d still alive", pid)
	}

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, tmpLeftovers(t, dest))
}

// processGone reports whether pid no longer runs. An orphan may linger as a
// zombie until its new parent reaps it; that counts as gone.
func processGone(pid int) bool {
	if syscall.Kill(pid, 0) == syscall.ESRCH {
		return true
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	s := string(b)
	i := strings.LastIndex(s, ") ")
	return i >= 0 && len(s) > i+2 && s[i+2] == 'Z'
}
