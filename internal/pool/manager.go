package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

var (
	// ErrNoReady means no port is currently eligible to be handed out.
	// Callers are expected to back off and retry.
	ErrNoReady = errors.New("pool: no ready port")
	// ErrShutdown means the pool has been closed.
	ErrShutdown = errors.New("pool: shutting down")
)

// Config sizes the pool manager.
type Config struct {
	// PortBase is the first local listening port.
	PortBase int
	// PortCount is the number of local listening ports.
	PortCount int
	// MaxActive caps how many ports are bound during warmup.
	MaxActive int
	// Workers sizes the rebind worker pool. Defaults to min(32, PortCount).
	Workers int
	// RetryMin/RetryMax bound the rebind backoff when the LRU queue is
	// empty. Default 100ms and 2s.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.PortCount
		if cfg.Workers > 32 {
			cfg.Workers = 32
		}
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = 100 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}
	return cfg
}

// Manager owns the binding table and the LRU scheduler. All pool state is
// behind one mutex; nothing blocking is ever done while it is held, so
// every operation is queue manipulation plus a state transition.
type Manager struct {
	cfg      Config
	reg      *registry.Registry
	counters Counters

	mu       sync.Mutex
	bindings []binding // indexed by port - PortBase
	lru      *lruQueue
	bad      []bool // indexed by remote id
	badCount int
	ready    []int // FIFO of port offsets that became Ready, pruned lazily
	retry    []time.Duration
	closed   bool

	rebindc chan int
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager builds a manager for the given registry. Start must be
// called before the pool hands anything out.
func NewManager(cfg Config, reg *registry.Registry) *Manager {
	c := cfg.withDefaults()
	return &Manager{
		cfg:      c,
		reg:      reg,
		bindings: make([]binding, c.PortCount),
		lru:      newLRUQueue(reg.Count()),
		bad:      make([]bool, reg.Count()),
		retry:    make([]time.Duration, c.PortCount),
		rebindc:  make(chan int, 2*c.PortCount),
		done:     make(chan struct{}),
	}
}

// Start launches the rebind workers and warms up the pool: every port up
// to min(PortCount, MaxActive, registry.Count()) gets an initial rebind.
// Ports beyond that limit stay Draining.
func (m *Manager) Start() {
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	warm := m.cfg.PortCount
	if m.cfg.MaxActive < warm {
		warm = m.cfg.MaxActive
	}
	if m.reg.Count() < warm {
		warm = m.reg.Count()
	}
	for off := 0; off < warm; off++ {
		m.enqueueRebind(off)
	}
	log.Info().Int("ports", m.cfg.PortCount).Int("warmup", warm).Int("workers", m.cfg.Workers).Msg("pool starting")
}

// Close stops the workers. Bindings are left as-is; listening sockets are
// owned by the caller.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Counters exposes the shared counters for the tunnel engine and the
// control surface.
func (m *Manager) Counters() *Counters {
	return &m.counters
}

// Port translates a port offset to its TCP port number.
func (m *Manager) Port(off int) int {
	return m.cfg.PortBase + off
}

// ReserveReadyPort hands out a Ready port, atomically transitioning it to
// InUse on the same generation. The returned generation identifies the
// use-cycle the caller was granted.
func (m *Manager) ReserveReadyPort() (port int, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, 0, ErrShutdown
	}

	for len(m.ready) > 0 {
		off := m.ready[0]
		m.ready = m.ready[1:]

		b := &m.bindings[off]
		if b.state != StateReady {
			continue
		}
		b.state = StateInUse
		b.claimed = false
		m.counters.HandedOut.Add(1)
		return m.Port(off), b.gen, nil
	}
	return 0, 0, ErrNoReady
}

// Claim attaches an accepted client connection to the port's current
// binding. A reserved (InUse, unclaimed) binding is claimed; a direct
// connection on a Ready port consumes it; anything else is rejected.
// At most one connection is ever claimed per generation.
func (m *Manager) Claim(port int) (registry.Remote, uint64, bool) {
	off := port - m.cfg.PortBase
	if off < 0 || off >= m.cfg.PortCount {
		return registry.Remote{}, 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return registry.Remote{}, 0, false
	}

	b := &m.bindings[off]
	switch {
	case b.state == StateInUse && !b.claimed:
		b.claimed = true
	case b.state == StateReady:
		// Direct connection without a prior reserve: consume the binding
		// and pull the port out of the ready queue ourselves, since no
		// reserve pop will.
		b.state = StateInUse
		b.claimed = true
		m.dropReady(off)
	default:
		return registry.Remote{}, 0, false
	}
	return b.remote, b.gen, true
}

// Complete finishes the use-cycle (port, gen): the binding transitions to
// Draining, the remote is re-enqueued or retired according to outcome, and
// a rebind is scheduled. Stale generations are ignored.
func (m *Manager) Complete(port int, gen uint64, outcome Outcome) {
	off := port - m.cfg.PortBase
	if off < 0 || off >= m.cfg.PortCount {
		return
	}

	m.mu.Lock()
	b := &m.bindings[off]
	if b.gen != gen || (b.state != StateInUse && b.state != StatePreparing) {
		m.mu.Unlock()
		return
	}

	b.state = StateDraining
	id := b.remote.ID
	switch outcome {
	case RemoteFailed:
		if !m.bad[id] {
			m.bad[id] = true
			m.badCount++
		}
		m.counters.TunnelsFailedRemote.Add(1)
	case ClientFailed:
		m.lru.pushBack(id)
		m.counters.TunnelsFailedClient.Add(1)
	default:
		m.lru.pushBack(id)
	}
	closed := m.closed
	m.mu.Unlock()

	log.Debug().Int("port", port).Uint64("gen", gen).Stringer("outcome", outcome).Msg("binding completed")
	if !closed {
		m.enqueueRebind(off)
	}
}

// dropReady removes off from the ready queue. Called with the mutex held.
// A port sits in the queue exactly while its binding is Ready, so every
// Ready→InUse transition must remove it, whichever path consumed it.
func (m *Manager) dropReady(off int) {
	for i, o := range m.ready {
		if o == off {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

// Stats returns a consistent snapshot of counters and pool gauges.
func (m *Manager) Stats() Snapshot {
	m.mu.Lock()
	readyPorts := 0
	for i := range m.bindings {
		if m.bindings[i].state == StateReady {
			readyPorts++
		}
	}
	badCount := m.badCount
	m.mu.Unlock()

	return Snapshot{
		TotalRequests:       m.counters.TotalRequests.Load(),
		HandedOut:           m.counters.HandedOut.Load(),
		TunnelsOpened:       m.counters.TunnelsOpened.Load(),
		TunnelsFailedRemote: m.counters.TunnelsFailedRemote.Load(),
		TunnelsFailedClient: m.counters.TunnelsFailedClient.Load(),
		BytesUp:             m.counters.BytesUp.Load(),
		BytesDown:           m.counters.BytesDown.Load(),
		ActiveReadyPorts:    readyPorts,
		KnownBadRemotes:     badCount,
		TotalRemotes:        m.reg.Count(),
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case off := <-m.rebindc:
			m.rebind(off)
		}
	}
}

func (m *Manager) enqueueRebind(off int) {
	select {
	case m.rebindc <- off:
	case <-m.done:
	}
}

// rebind installs a fresh binding on the port: pop the LRU head, bump the
// generation, mark Ready. With no eligible remote the port stays Draining
// and the rebind retries on a doubling backoff.
func (m *Manager) rebind(off int) {
	m.mu.Lock()
	b := &m.bindings[off]
	if m.closed || b.state == StateReady || b.state == StateInUse {
		m.mu.Unlock()
		return
	}

	id, ok := m.lru.popFront()
	for ok && m.bad[id] {
		id, ok = m.lru.popFront()
	}
	if !ok {
		delay := m.retry[off]
		if delay <= 0 {
			delay = m.cfg.RetryMin
		}
		next := delay * 2
		if next > m.cfg.RetryMax {
			next = m.cfg.RetryMax
		}
		m.retry[off] = next
		m.mu.Unlock()

		time.AfterFunc(delay, func() { m.enqueueRebind(off) })
		return
	}

	b.state = StatePreparing
	b.remote = m.reg.Get(id)
	b.gen++
	b.claimed = false
	gen := b.gen
	m.mu.Unlock()

	// A completion can race in between the two critical sections; only
	// install over an untouched Preparing binding.
	m.mu.Lock()
	if b.gen == gen && b.state == StatePreparing {
		b.state = StateReady
		m.ready = append(m.ready, off)
		m.retry[off] = 0
	}
	m.mu.Unlock()

	log.Debug().Int("port", m.Port(off)).Uint64("gen", gen).Int("remote", id).Msg("port rebound")
}
