package render

import (
	"runtime/debug"
	"runtime/metrics"
	"strconv"
	"sync"
	"time"
)

const heapSample = "/memory/classes/heap/objects:bytes"

// ParseHeapLimit reads a byte count as exported in REPORTD_MAX_HEAP.
// Empty or non-positive values mean no limit.
func ParseHeapLimit(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// GuardMemory applies limit as the runtime soft memory limit and polls live
// heap every interval, calling onExceed once when it goes over limit. The
// returned stop function ends polling. A limit <= 0 does nothing.
func GuardMemory(limit int64, interval time.Duration, onExceed func(heap uint64)) (stop func()) {
	if limit <= 0 {
		return func() {}
	}
	debug.SetMemoryLimit(limit)
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		sample := []metrics.Sample{{Name: heapSample}}
		for {
			select {
			case <-done:
				return
			case <-t.C:
				metrics.Read(sample)
				if sample[0].Value.Kind() != metrics.KindUint64 {
					continue
				}
				if heap := sample[0].Value.Uint64(); heap > uint64(limit) {
					onExceed(heap)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
