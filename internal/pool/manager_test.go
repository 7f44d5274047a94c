package pool

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

func testRegistry(t *testing.T, records string) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse(strings.NewReader(records))
	require.NoError(t, err)
	return reg
}

func startManager(t *testing.T, cfg Config, reg *registry.Registry) *Manager {
	t.Helper()
	if cfg.RetryMin == 0 {
		cfg.RetryMin = 5 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 20 * time.Millisecond
	}
	m := NewManager(cfg, reg)
	m.Start()
	t.Cleanup(m.Close)
	return m
}

func waitReady(t *testing.T, m *Manager, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Stats().ActiveReadyPorts == want
	}, 2*time.Second, time.Millisecond, "expected %d ready ports", want)
}

func TestReserveIsOneShot(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 2, MaxActive: 2}, reg)
	waitReady(t, m, 2)

	p1, g1, err := m.ReserveReadyPort()
	require.NoError(t, err)
	p2, _, err := m.ReserveReadyPort()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2, "same generation handed out twice")

	_, _, err = m.ReserveReadyPort()
	assert.ErrorIs(t, err, ErrNoReady)

	// The reserved binding accepts exactly one client connection.
	_, cg, ok := m.Claim(p1)
	require.True(t, ok)
	assert.Equal(t, g1, cg)
	_, _, ok = m.Claim(p1)
	assert.False(t, ok, "second connection claimed the same generation")
}

func TestDirectClaimConsumesReady(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	// A client that connects without a prior reserve consumes the binding.
	_, _, ok := m.Claim(10000)
	require.True(t, ok)
	_, _, ok = m.Claim(10000)
	assert.False(t, ok)

	// And the port is no longer reservable on this generation.
	_, _, err := m.ReserveReadyPort()
	assert.ErrorIs(t, err, ErrNoReady)
}

func TestDirectClaimKeepsReadyQueueBounded(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)

	// Repeated direct-connect cycles never touch ReserveReadyPort; the
	// ready queue must still hold each port at most once.
	for i := 0; i < 50; i++ {
		waitReady(t, m, 1)
		_, gen, ok := m.Claim(10000)
		require.True(t, ok)
		m.Complete(10000, gen, ClientDone)
	}
	waitReady(t, m, 1)

	m.mu.Lock()
	queued := len(m.ready)
	m.mu.Unlock()
	assert.LessOrEqual(t, queued, 1, "ready queue grew across direct-connect cycles")
}

func TestClaimRejectsUnboundPort(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 2, MaxActive: 2}, reg)
	waitReady(t, m, 1) // one remote, so only one port can bind

	_, _, ok := m.Claim(10001)
	assert.False(t, ok, "claimed a port with no binding")

	_, _, ok = m.Claim(10999)
	assert.False(t, ok, "claimed a port outside the pool")
}

func TestCompleteRotatesLRU(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\nr2 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	r, gen, ok := m.Claim(10000)
	require.True(t, ok)
	assert.Equal(t, 0, r.ID)

	m.Complete(10000, gen, ClientDone)
	waitReady(t, m, 1)

	// While other remotes remain in the queue, the next binding must not
	// reuse the one just released.
	r2, gen2, ok := m.Claim(10000)
	require.True(t, ok)
	assert.Equal(t, 1, r2.ID)
	assert.Greater(t, gen2, gen, "generation must strictly increase")

	m.Complete(10000, gen2, ClientDone)
	waitReady(t, m, 1)

	r3, _, ok := m.Claim(10000)
	require.True(t, ok)
	assert.Equal(t, 2, r3.ID)
}

func TestRemoteFailedRetiresRemote(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	r, gen, ok := m.Claim(10000)
	require.True(t, ok)
	m.Complete(10000, gen, RemoteFailed)
	waitReady(t, m, 1)

	r2, gen2, ok := m.Claim(10000)
	require.True(t, ok)
	assert.NotEqual(t, r.ID, r2.ID, "retired remote was bound again")
	assert.Equal(t, int64(1), m.Stats().TunnelsFailedRemote)
	assert.Equal(t, 1, m.Stats().KnownBadRemotes)

	// Retire the second one too: the pool is out of remotes and the port
	// must stay unbound, with NoReady surfaced to callers.
	m.Complete(10000, gen2, RemoteFailed)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, m.Stats().ActiveReadyPorts)
	assert.Equal(t, 2, m.Stats().KnownBadRemotes)
	_, _, err := m.ReserveReadyPort()
	assert.ErrorIs(t, err, ErrNoReady)
}

func TestClientFailedKeepsRemote(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	r, gen, ok := m.Claim(10000)
	require.True(t, ok)
	m.Complete(10000, gen, ClientFailed)
	waitReady(t, m, 1)

	// Sole remote, presumed good: it comes back.
	r2, _, ok := m.Claim(10000)
	require.True(t, ok)
	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, int64(1), m.Stats().TunnelsFailedClient)
	assert.Equal(t, 0, m.Stats().KnownBadRemotes)
}

func TestStaleCompleteIsNoOp(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	_, gen, ok := m.Claim(10000)
	require.True(t, ok)
	m.Complete(10000, gen, ClientDone)
	waitReady(t, m, 1)

	// Replay of the old generation: must not touch state or counters.
	before := m.Stats()
	m.Complete(10000, gen, RemoteFailed)
	after := m.Stats()
	assert.Equal(t, before.TunnelsFailedRemote, after.TunnelsFailedRemote)
	assert.Equal(t, before.KnownBadRemotes, after.KnownBadRemotes)
	assert.Equal(t, 1, after.ActiveReadyPorts)
}

func TestWarmupBounded(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\nr2 1080 u p\nr3 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 4, MaxActive: 2}, reg)
	waitReady(t, m, 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, m.Stats().ActiveReadyPorts, "warmup exceeded max_active_proxies")
}

func TestExhaustionRecovers(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\nr1 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 2, MaxActive: 2}, reg)
	waitReady(t, m, 2)

	p1, g1, err := m.ReserveReadyPort()
	require.NoError(t, err)
	_, _, err = m.ReserveReadyPort()
	require.NoError(t, err)
	_, _, err = m.ReserveReadyPort()
	require.ErrorIs(t, err, ErrNoReady)

	// One client finishes; its port rebinds and acquire succeeds again.
	m.Complete(p1, g1, ClientDone)
	require.Eventually(t, func() bool {
		_, _, err := m.ReserveReadyPort()
		return err == nil
	}, 2*time.Second, time.Millisecond)
}

func TestReserveAfterClose(t *testing.T) {
	reg := testRegistry(t, "r0 1080 u p\n")
	m := startManager(t, Config{PortBase: 10000, PortCount: 1, MaxActive: 1}, reg)
	waitReady(t, m, 1)

	m.Close()
	_, _, err := m.ReserveReadyPort()
	assert.ErrorIs(t, err, ErrShutdown)
	_, _, ok := m.Claim(10000)
	assert.False(t, ok)
}
