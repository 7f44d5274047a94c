package testutil

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	txsocks5 "github.com/txthinking/socks5"
)

// TunnelRecord captures what a fake remote proxy observed for one tunnel.
type TunnelRecord struct {
	Username string
	Password string
	// ProxyAuthorization is the raw header value (HTTP remotes only).
	ProxyAuthorization string
	Target             string
}

// FakeRemote is a remote proxy double. It records every tunnel request
// and forwards to the real target with a direct dial. The SOCKS5 variant
// requires the configured credentials; the HTTP variant checks none and
// only records the Proxy-Authorization header.
type FakeRemote struct {
	ln net.Listener

	mu      sync.Mutex
	records []TunnelRecord
}

// Addr returns the fake remote's host:port.
func (f *FakeRemote) Addr() string {
	return f.ln.Addr().String()
}

// Port returns the fake remote's TCP port.
func (f *FakeRemote) Port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

// Records returns a copy of the tunnels observed so far.
func (f *FakeRemote) Records() []TunnelRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TunnelRecord(nil), f.records...)
}

func (f *FakeRemote) record(r TunnelRecord) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
}

// StartSOCKS5Remote starts a fake remote SOCKS5 proxy that insists on
// username/password sub-negotiation with the given credentials.
func StartSOCKS5Remote(t *testing.T, username, password string) *FakeRemote {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	f := &FakeRemote{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serveSOCKS5(c, username, password)
		}
	}()
	return f
}

func (f *FakeRemote) serveSOCKS5(c net.Conn, username, password string) {
	defer c.Close()

	neg, err := txsocks5.NewNegotiationRequestFrom(c)
	if err != nil {
		return
	}
	hasUserPass := false
	for _, m := range neg.Methods {
		if m == txsocks5.MethodUsernamePassword {
			hasUserPass = true
		}
	}
	if !hasUserPass {
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(c)
		return
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(c); err != nil {
		return
	}

	up, err := txsocks5.NewUserPassNegotiationRequestFrom(c)
	if err != nil {
		return
	}
	if string(up.Uname) != username || string(up.Passwd) != password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(c)
		return
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(c); err != nil {
		return
	}

	req, err := txsocks5.NewRequestFrom(c)
	if err != nil || req.Cmd != txsocks5.CmdConnect {
		return
	}
	target := req.Address()
	f.record(TunnelRecord{Username: string(up.Uname), Password: string(up.Passwd), Target: target})

	dst, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = txsocks5.NewReply(txsocks5.RepHostUnreachable, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0x00, 0x00}).WriteTo(c)
		return
	}
	defer dst.Close()

	if _, err := txsocks5.NewReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0x00, 0x00}).WriteTo(c); err != nil {
		return
	}

	pipe(c, dst)
}

// StartHTTPRemote starts a fake remote HTTP CONNECT proxy that records
// the Proxy-Authorization header it receives.
func StartHTTPRemote(t *testing.T) *FakeRemote {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	f := &FakeRemote{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serveHTTP(c)
		}
	}()
	return f
}

func (f *FakeRemote) serveHTTP(c net.Conn) {
	defer c.Close()

	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	target := req.Host
	f.record(TunnelRecord{ProxyAuthorization: req.Header.Get("Proxy-Authorization"), Target: target})

	dst, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer dst.Close()

	_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")

	go func() {
		_, _ = io.Copy(dst, br)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}

// StartRefusingRemote returns an address with nothing listening behind
// it, for exercising remote-dial failures.
func StartRefusingRemote(t *testing.T) *net.TCPAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	return addr
}

func pipe(a, b net.Conn) {
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(b, a)
		if tc, ok := b.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(a, b)
	if tc, ok := a.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	<-done
}
