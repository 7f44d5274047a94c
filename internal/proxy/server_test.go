package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	txsocks5 "github.com/txthinking/socks5"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
	"github.com/mtt-konan/socks5-proxy-pool/internal/testutil"
)

func testRegistry(t *testing.T, records ...string) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse(strings.NewReader(strings.Join(records, "\n") + "\n"))
	require.NoError(t, err)
	return reg
}

// startPortServer wires a one-port pool to a real listener on a kernel
// assigned port and returns the local endpoint plus its manager.
func startPortServer(t *testing.T, reg *registry.Registry) (string, *pool.Manager) {
	t.Helper()

	ln, err := ListenTCP("127.0.0.1:0", net.KeepAliveConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	port := ln.Addr().(*net.TCPAddr).Port
	mgr := pool.NewManager(pool.Config{
		PortBase:  port,
		PortCount: 1,
		MaxActive: 1,
		RetryMin:  5 * time.Millisecond,
		RetryMax:  20 * time.Millisecond,
	}, reg)
	mgr.Start()
	t.Cleanup(mgr.Close)

	ps := NewPortServer(context.Background(), Config{
		SniffTimeout:     2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}, mgr, port)
	go func() { _ = ps.Serve(ln) }()

	waitReady(t, mgr, 1)
	return ln.Addr().String(), mgr
}

func waitReady(t *testing.T, mgr *pool.Manager, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mgr.Stats().ActiveReadyPorts == want
	}, 2*time.Second, time.Millisecond)
}

func TestSOCKS5TunnelEndToEnd(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t)
	remote := testutil.StartSOCKS5Remote(t, "alice", "secret")
	reg := testRegistry(t, fmt.Sprintf("127.0.0.1 %d alice secret", remote.Port()))

	localAddr, mgr := startPortServer(t, reg)

	client, err := txsocks5.NewClient(localAddr, "", "", 2, 0)
	require.NoError(t, err)

	c, err := client.Dial("tcp", echoLn.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	// The remote saw the sub-negotiated credentials and the untouched
	// target; the pool counted the tunnel and its bytes, then rebound.
	recs := remote.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].Username)
	assert.Equal(t, "secret", recs[0].Password)
	assert.Equal(t, echoLn.Addr().String(), recs[0].Target)

	require.Eventually(t, func() bool {
		st := mgr.Stats()
		return st.TunnelsOpened == 1 && st.BytesUp == 5 && st.BytesDown == 5 && st.ActiveReadyPorts == 1
	}, 2*time.Second, time.Millisecond, "stats: %+v", mgr.Stats())
}

func TestHTTPConnectEndToEnd(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t)
	remote := testutil.StartHTTPRemote(t)
	reg := testRegistry(t, fmt.Sprintf("127.0.0.1 %d alice secret http", remote.Port()))

	localAddr, mgr := startPortServer(t, reg)

	c, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer c.Close()

	target := echoLn.Addr().String()
	_, err = fmt.Fprintf(c, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	status := readLine(t, c)
	assert.Equal(t, "HTTP/1.1 200 Connection Established", status)
	readLine(t, c) // blank line ending the response

	testutil.AssertEcho(t, c, c, []byte("opaque-bytes"))

	recs := remote.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, target, recs[0].Target)
	assert.NotEmpty(t, recs[0].ProxyAuthorization, "CONNECT must carry Proxy-Authorization")

	require.Eventually(t, func() bool {
		return mgr.Stats().TunnelsOpened == 1
	}, 2*time.Second, time.Millisecond)
}

func TestSniffRejectsSOCKS4(t *testing.T) {
	remote := testutil.StartSOCKS5Remote(t, "u", "p")
	reg := testRegistry(t, fmt.Sprintf("127.0.0.1 %d u p", remote.Port()))

	localAddr, mgr := startPortServer(t, reg)

	c, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte{0x04, 0x01, 0x00, 0x50, 127, 0, 0, 1, 0x00})
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	assert.Error(t, err, "SOCKS4 client must be closed without a reply")

	// The generation is consumed and the port comes back.
	require.Eventually(t, func() bool {
		st := mgr.Stats()
		return st.TunnelsFailedClient == 1 && st.ActiveReadyPorts == 1
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, remote.Records(), "no tunnel may be opened for a rejected client")
}

func TestSniffRejectsGarbage(t *testing.T) {
	remote := testutil.StartSOCKS5Remote(t, "u", "p")
	reg := testRegistry(t, fmt.Sprintf("127.0.0.1 %d u p", remote.Port()))

	localAddr, _ := startPortServer(t, reg)

	c, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte{0x00, 0xff, 0x17})
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1)
	_, err = c.Read(buf)
	assert.Error(t, err)
}

func TestRemoteHandshakeFailureRetiresRemote(t *testing.T) {
	echoLn := testutil.StartEchoTCPServer(t)
	dead := testutil.StartRefusingRemote(t)
	good := testutil.StartSOCKS5Remote(t, "u", "p")
	reg := testRegistry(t,
		fmt.Sprintf("127.0.0.1 %d u p", dead.Port),
		fmt.Sprintf("127.0.0.1 %d u p", good.Port()),
	)

	localAddr, mgr := startPortServer(t, reg)

	// First tunnel lands on the dead remote and fails at the dial stage.
	client, err := txsocks5.NewClient(localAddr, "", "", 2, 0)
	require.NoError(t, err)
	_, err = client.Dial("tcp", echoLn.Addr().String())
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		st := mgr.Stats()
		return st.KnownBadRemotes == 1 && st.ActiveReadyPorts == 1
	}, 2*time.Second, time.Millisecond)

	// The port is now backed by the good remote.
	client2, err := txsocks5.NewClient(localAddr, "", "", 2, 0)
	require.NoError(t, err)
	c, err := client2.Dial("tcp", echoLn.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c, c, []byte("ok"))
	_ = c.Close()

	require.Len(t, good.Records(), 1)
}

func TestSOCKS5RejectsBind(t *testing.T) {
	remote := testutil.StartSOCKS5Remote(t, "u", "p")
	reg := testRegistry(t, fmt.Sprintf("127.0.0.1 %d u p", remote.Port()))

	localAddr, _ := startPortServer(t, reg)

	c, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer c.Close()

	// No-auth greeting, then a BIND request.
	_, err = c.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2)
	_, err = c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, buf)

	_, err = c.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.NoError(t, err)

	reply := make([]byte, 10)
	n, err := c.Read(reply)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, byte(0x05), reply[0])
	assert.Equal(t, byte(0x07), reply[1], "BIND must get command-not-supported")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, protoSOCKS5, classify([]byte{0x05, 0x01, 0x00}))
	assert.Equal(t, protoSOCKS4, classify([]byte{0x04, 0x01, 0x00}))
	for _, m := range []string{"CONNECT", "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH"} {
		assert.Equal(t, protoHTTP, classify([]byte(m[:3])), m)
	}
	assert.Equal(t, protoUnknown, classify([]byte("ZZZ")))
	assert.Equal(t, protoUnknown, classify([]byte{0x00, 0x01, 0x02}))
}

func readLine(t *testing.T, c net.Conn) string {
	t.Helper()
	var line []byte
	buf := make([]byte, 1)
	for {
		_, err := c.Read(buf)
		require.NoError(t, err)
		if buf[0] == '\n' {
			return strings.TrimRight(string(line), "\r")
		}
		line = append(line, buf[0])
	}
}
