package target

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/reportd/internal/metrics"
)

// Default pool timings.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// ErrClosed is returned by Execute after Close.
var ErrClosed = errors.New("target connection manager closed")

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

type pooled struct {
	id       ID
	conn     Conn
	created  time.Time
	lastUsed atomic.Int64 // unix nanos
	inUse    atomic.Int32
	closed   atomic.Bool
}

func (p *pooled) touch(t time.Time) { p.lastUsed.Store(t.UnixNano()) }

func (p *pooled) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.lastUsed.Load()))
}

// ConnStats is a point-in-time view of one pooled connection.
type ConnStats struct {
	Target    ID        `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	InUse     int       `json:"in_use"`
}

// Manager pools connections to targets. Calls for different targets run in
// parallel; calls for the same target are serialized on that target's lock,
// which also guards connect-or-reuse so a target is never dialed twice.
type Manager struct {
	connector Connector
	ttl       time.Duration
	interval  time.Duration
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	conns  map[ID]*pooled
	locks  map[ID]*sync.Mutex // created lazily, never removed
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager returns a Manager using c to establish connections. The eviction
// sweep does not run until Start is called.
func NewManager(c Connector, opts Options) *Manager {
	m := &Manager{
		connector: c,
		ttl:       opts.TTL,
		interval:  opts.SweepInterval,
		log:       opts.Logger,
		now:       opts.Now,
		conns:     make(map[ID]*pooled),
		locks:     make(map[ID]*sync.Mutex),
		stopCh:    make(chan struct{}),
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.interval <= 0 {
		m.interval = DefaultSweepInterval
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Execute runs task with a pooled connection to id, establishing one if none
// is pooled or the pooled one is no longer usable. The connection is marked
// in use for the duration of task and released on every exit path. A task
// error that indicates a broken connection invalidates the pooled entry.
// The task must not retain conn after it returns; see MarkInUse.
func (m *Manager) Execute(ctx context.Context, id ID, task func(ctx context.Context, conn Conn) error) error {
	if id.URL == "" {
		return errors.New("target url required")
	}
	lk := m.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	pc, err := m.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer m.release(pc)

	err = task(ctx, pc.conn)
	if IsConnectionFailure(err) {
		m.log.Warn("Invalidating target connection", "target", id.String(), "error", err)
		m.drop(pc, "invalidated")
	}
	return err
}

// Executor runs tasks against pooled connections. *Manager implements it.
type Executor interface {
	Execute(ctx context.Context, id ID, task func(ctx context.Context, conn Conn) error) error
}

// ExecuteValue is Execute for tasks that produce a value. The value is
// returned on error too.
func ExecuteValue[R any](ctx context.Context, e Executor, id ID, task func(ctx context.Context, conn Conn) (R, error)) (R, error) {
	var out R
	err := e.Execute(ctx, id, func(ctx context.Context, conn Conn) error {
		v, err := task(ctx, conn)
		out = v
		return err
	})
	return out, err
}

// MarkInUse extends the lifetime of the pooled connection for id beyond an
// Execute call, e.g. while a response body is still being streamed from it.
// ok is false when no live connection is pooled for id; callers must treat
// that as a failed stream rather than retry. release is idempotent.
func (m *Manager) MarkInUse(id ID) (release func(), ok bool) {
	m.mu.Lock()
	pc := m.conns[id]
	if pc == nil || pc.closed.Load() {
		m.mu.Unlock()
		return func() {}, false
	}
	pc.inUse.Add(1)
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { m.release(pc) }) }, true
}

// Invalidate closes and removes the pooled connection for id, if any.
func (m *Manager) Invalidate(id ID) bool {
	m.mu.Lock()
	pc := m.conns[id]
	m.mu.Unlock()
	if pc == nil {
		return false
	}
	m.drop(pc, "invalidated")
	return true
}

// Start launches the background eviction sweep.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-t.C:
				m.Sweep()
			}
		}
	}()
}

// Sweep closes every connection idle for longer than the TTL that is not in
// use. Busy connections are skipped and looked at again on the next sweep.
// It returns the number of connections evicted.
func (m *Manager) Sweep() int {
	now := m.now()
	var victims []*pooled
	m.mu.Lock()
	for id, pc := range m.conns {
		if pc.closed.Load() {
			delete(m.conns, id)
			continue
		}
		if pc.inUse.Load() > 0 || pc.idle(now) <= m.ttl {
			continue
		}
		lk := m.locks[id]
		if lk == nil || !lk.TryLock() {
			continue
		}
		delete(m.conns, id)
		pc.closed.Store(true)
		lk.Unlock()
		victims = append(victims, pc)
	}
	n := len(m.conns)
	m.mu.Unlock()

	for _, pc := range victims {
		m.log.Debug("Evicting idle target connection", "target", pc.id.String(), "idle", pc.idle(now))
		m.closeConn(pc)
		metrics.IncPoolEviction()
	}
	metrics.SetPoolSize(n)
	return len(victims)
}

// Stats returns a snapshot of the pooled connections ordered by target URL.
func (m *Manager) Stats() []ConnStats {
	m.mu.Lock()
	out := make([]ConnStats, 0, len(m.conns))
	for _, pc := range m.conns {
		out = append(out, ConnStats{
			Target:    pc.id,
			CreatedAt: pc.created,
			LastUsed:  time.Unix(0, pc.lastUsed.Load()),
			InUse:     int(pc.inUse.Load()),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target.URL < out[j].Target.URL })
	return out
}

// Close stops the sweep and closes every pooled connection.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	all := make([]*pooled, 0, len(m.conns))
	for id, pc := range m.conns {
		delete(m.conns, id)
		pc.closed.Store(true)
		all = append(all, pc)
	}
	m.mu.Unlock()

	var errs []error
	for _, pc := range all {
		if err := pc.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.SetPoolSize(0)
	return errors.Join(errs...)
}

func (m *Manager) lockFor(id ID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk := m.locks[id]
	if lk == nil {
		lk = &sync.Mutex{}
		m.locks[id] = lk
	}
	return lk
}

// acquire must be called with the target lock for id held.
func (m *Manager) acquire(ctx context.Context, id ID) (*pooled, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	pc := m.conns[id]
	m.mu.Unlock()

	now := m.now()
	if pc != nil {
		if !pc.closed.Load() && (pc.inUse.Load() > 0 || pc.idle(now) <= m.ttl) {
			pc.inUse.Add(1)
			pc.touch(now)
			return pc, nil
		}
		m.drop(pc, "expired")
	}

	conn, err := m.connector.Connect(ctx, id)
	if err != nil {
		metrics.IncPoolConnect("error")
		var ce *ConnectError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &ConnectError{Target: id, Err: err}
	}
	metrics.IncPoolConnect("ok")

	pc = &pooled{id: id, conn: conn, created: now}
	pc.touch(now)
	pc.inUse.Store(1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	m.conns[id] = pc
	n := len(m.conns)
	m.mu.Unlock()
	metrics.SetPoolSize(n)
	m.log.Debug("Connected to target", "target", id.String())
	return pc, nil
}

func (m *Manager) release(pc *pooled) {
	pc.touch(m.now())
	if pc.inUse.Add(-1) < 0 {
		pc.inUse.Store(0)
	}
}

// drop removes pc from the pool (if it is still the pooled entry) and closes it.
func (m *Manager) drop(pc *pooled, reason string) {
	m.mu.Lock()
	if cur, ok := m.conns[pc.id]; ok && cur == pc {
		delete(m.conns, pc.id)
	}
	n := len(m.conns)
	m.mu.Unlock()
	if pc.closed.Swap(true) {
		return
	}
	m.closeConn(pc)
	metrics.SetPoolSize(n)
	if reason == "invalidated" {
		metrics.IncPoolInvalidation()
	}
}

func (m *Manager) closeConn(pc *pooled) {
	if err := pc.conn.Close(); err != nil {
		m.log.Warn("Failed to close target connection", "target", pc.id.String(), "error", err)
	}
}
