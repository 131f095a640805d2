package metrics

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often a ChildSampler polls the child's memory.
const DefaultSampleInterval = 100 * time.Millisecond

// ChildSampler polls the resident set size of a running child process and
// keeps the peak value seen. It is used to observe how much memory report
// generation actually takes.
type ChildSampler struct {
	pid      int32
	interval time.Duration
	peak     atomic.Uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartChildSampler begins sampling pid every interval (DefaultSampleInterval
// when interval <= 0). Stop must be called once the child has exited.
func StartChildSampler(pid int, interval time.Duration) *ChildSampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	s := &ChildSampler{
		pid:      int32(pid),
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *ChildSampler) run() {
	defer close(s.done)
	proc, err := process.NewProcess(s.pid)
	if err != nil {
		slog.Debug("Child sampler could not attach", "pid", s.pid, "error", err)
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.sample(proc)
		select {
		case <-s.stopCh:
			return
		case <-t.C:
		}
	}
}

func (s *ChildSampler) sample(proc *process.Process) {
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return
	}
	for {
		cur := s.peak.Load()
		if mi.RSS <= cur || s.peak.CompareAndSwap(cur, mi.RSS) {
			return
		}
	}
}

// Stop ends sampling and returns the peak RSS in bytes (0 if never sampled).
func (s *ChildSampler) Stop() uint64 {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	return s.peak.Load()
}
