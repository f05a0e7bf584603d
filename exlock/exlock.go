// Package exlock implements named in-process exclusive locks with a priority
// wait queue.
//
// A Manager owns every lock name it hands out. Waiters on a name are granted
// in order: privileged requests first, then by arrival. Acquire blocks until
// the lock is granted or the name is reset; there is no per-call timeout.
// A granted lock that is held for longer than the warn threshold is reported
// periodically but never released on the holder's behalf.
package exlock

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/dealgrid/internal/callsite"
	"pkt.systems/dealgrid/internal/clock"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultWarnThreshold is how long a lock may be held before the watchdog
// starts logging warnings about it.
const DefaultWarnThreshold = 5 * time.Second

const pkgPath = "pkt.systems/dealgrid/exlock"

// ErrReset is returned to waiters whose name was reset before they were
// granted.
var ErrReset = errors.New("reset")

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for watchdog and release diagnostics.
func WithLogger(logger pslog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the clock driving the held-lock watchdog.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithWarnThreshold sets the held-lock warning interval. Zero or negative
// disables the watchdog.
func WithWarnThreshold(d time.Duration) Option {
	return func(m *Manager) {
		m.warn.Store(int64(d))
	}
}

// Manager is the registry of lock names. The zero value is not usable; use
// NewManager.
type Manager struct {
	mu    sync.Mutex
	names map[string]*slot
	seq   uint64

	logger  pslog.Logger
	clock   clock.Clock
	warn    atomic.Int64
	metrics *exlockMetrics
}

type slot struct {
	holder  *Lock
	waiters waitQueue
}

type result struct {
	lock *Lock
	err  error
}

type waiter struct {
	privileged bool
	seq        uint64
	caller     callsite.Frame
	ch         chan result
	index      int
}

type lockState int

const (
	stateHeld lockState = iota
	stateReleased
	stateRevoked
)

// Lock is a granted hold on a name.
type Lock struct {
	mgr        *Manager
	name       string
	privileged bool
	caller     callsite.Frame
	acquiredAt time.Time
	done       chan struct{}

	// state is guarded by mgr.mu.
	state lockState
}

// NewManager constructs a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{names: make(map[string]*slot)}
	m.warn.Store(int64(DefaultWarnThreshold))
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = svcfields.WithSubsystem(m.logger, "exlock")
	m.clock = clock.OrReal(m.clock)
	m.metrics = newExlockMetrics(m.logger, m)
	return m
}

// SetWarnThreshold changes the held-lock warning interval for watchdog
// cycles that start after the call.
func (m *Manager) SetWarnThreshold(d time.Duration) {
	m.warn.Store(int64(d))
}

// WarnThreshold returns the current held-lock warning interval.
func (m *Manager) WarnThreshold() time.Duration {
	return time.Duration(m.warn.Load())
}

// Acquire blocks until name is granted to the caller or the name is reset.
// Privileged requests overtake ordinary ones already waiting.
func (m *Manager) Acquire(name string, privileged bool) (*Lock, error) {
	caller := callsite.Outside(pkgPath)
	m.mu.Lock()
	s := m.names[name]
	if s == nil {
		s = &slot{}
		m.names[name] = s
	}
	m.seq++
	if s.holder == nil && s.waiters.Len() == 0 {
		lock := m.grantLocked(name, s, privileged, caller)
		m.mu.Unlock()
		m.metrics.recordAcquire("immediate")
		return lock, nil
	}
	w := &waiter{
		privileged: privileged,
		seq:        m.seq,
		caller:     caller,
		ch:         make(chan result, 1),
	}
	heap.Push(&s.waiters, w)
	depth := s.waiters.Len()
	m.mu.Unlock()

	m.logger.Debug("exlock.acquire.wait", "name", name, "privileged", privileged, "queue_depth", depth, "caller", caller.String())
	res := <-w.ch
	if res.err != nil {
		m.metrics.recordAcquire("reset")
		return nil, res.err
	}
	m.metrics.recordAcquire("queued")
	return res.lock, nil
}

// grantLocked hands name to a new Lock. m.mu must be held.
func (m *Manager) grantLocked(name string, s *slot, privileged bool, caller callsite.Frame) *Lock {
	lock := &Lock{
		mgr:        m,
		name:       name,
		privileged: privileged,
		caller:     caller,
		acquiredAt: m.clock.Now(),
		done:       make(chan struct{}),
	}
	s.holder = lock
	go m.watch(lock)
	return lock
}

// Release hands the name to the next waiter, or frees it. Releasing twice,
// or releasing a lock whose name was reset, is logged and otherwise ignored.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	m := l.mgr
	m.mu.Lock()
	switch l.state {
	case stateReleased:
		m.mu.Unlock()
		m.logger.Warn("exlock.release.duplicate", "name", l.name, "caller", callsite.Outside(pkgPath).String())
		return
	case stateRevoked:
		m.mu.Unlock()
		m.logger.Info("exlock.release.revoked", "name", l.name)
		return
	}
	l.state = stateReleased
	close(l.done)
	s := m.names[l.name]
	if s == nil || s.holder != l {
		m.mu.Unlock()
		return
	}
	s.holder = nil
	if s.waiters.Len() == 0 {
		delete(m.names, l.name)
		m.mu.Unlock()
		return
	}
	next := heap.Pop(&s.waiters).(*waiter)
	granted := m.grantLocked(l.name, s, next.privileged, next.caller)
	m.mu.Unlock()
	next.ch <- result{lock: granted}
}

// Reset fails every waiter queued on name with ErrReset and frees the name.
// A lock currently held on name is revoked: its Done channel closes and its
// eventual Release has no effect on the queue.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	s := m.names[name]
	if s == nil {
		m.mu.Unlock()
		return
	}
	delete(m.names, name)
	revoked := false
	if s.holder != nil {
		s.holder.state = stateRevoked
		close(s.holder.done)
		revoked = true
	}
	waiters := make([]*waiter, 0, s.waiters.Len())
	for s.waiters.Len() > 0 {
		waiters = append(waiters, heap.Pop(&s.waiters).(*waiter))
	}
	m.mu.Unlock()

	err := fmt.Errorf("local exclusive lock for %s: %w", name, ErrReset)
	for _, w := range waiters {
		w.ch <- result{err: err}
	}
	m.metrics.recordReset()
	m.logger.Warn("exlock.reset", "name", name, "failed_waiters", len(waiters), "revoked_holder", revoked)
}

// ResetAll resets every name currently known to the manager.
func (m *Manager) ResetAll() {
	for _, name := range m.Names() {
		m.Reset(name)
	}
}

// Held reports whether name is currently granted.
func (m *Manager) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.names[name]
	return s != nil && s.holder != nil
}

// Waiting returns the number of requests queued on name.
func (m *Manager) Waiting(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.names[name]; s != nil {
		return s.waiters.Len()
	}
	return 0
}

// Names returns the names that are held or have waiters, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.names))
	for name := range m.names {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)
	return names
}

func (m *Manager) totalWaiting() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.names {
		total += int64(s.waiters.Len())
	}
	return total
}

// watch logs a warning every threshold interval for as long as l is held.
func (m *Manager) watch(l *Lock) {
	for {
		threshold := m.WarnThreshold()
		if threshold <= 0 {
			<-l.done
			return
		}
		select {
		case <-l.done:
			return
		case <-m.clock.After(threshold):
		}
		select {
		case <-l.done:
			return
		default:
		}
		now := m.clock.Now()
		m.metrics.recordWatchdogWarn()
		m.logger.Warn("exlock.watchdog.held",
			"name", l.name,
			"privileged", l.privileged,
			"acquired", humanize.RelTime(l.acquiredAt, now, "ago", "from now"),
			"held_ms", now.Sub(l.acquiredAt).Milliseconds(),
			"caller", l.caller.String(),
		)
	}
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Privileged reports whether the lock was requested with priority.
func (l *Lock) Privileged() bool { return l.privileged }

// AcquiredAt returns when the lock was granted.
func (l *Lock) AcquiredAt() time.Time { return l.acquiredAt }

// Caller returns the call site that requested the lock.
func (l *Lock) Caller() callsite.Frame { return l.caller }

// Done is closed once the lock is released or revoked by a reset.
func (l *Lock) Done() <-chan struct{} { return l.done }

// Revoked reports whether the lock was taken away by a reset before it was
// released.
func (l *Lock) Revoked() bool {
	l.mgr.mu.Lock()
	defer l.mgr.mu.Unlock()
	return l.state == stateRevoked
}

type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].privileged != q[j].privileged {
		return q[i].privileged
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
