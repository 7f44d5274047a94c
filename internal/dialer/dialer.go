package dialer

import (
	"context"
	"net"
	"time"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

// Dialer mirrors the net.Dialer interface. Address is always the final
// target host:port; the remote proxy in between is the dialer's business.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the knobs shared by all remote dialers.
type Config struct {
	// HandshakeTimeout bounds TCP connect plus protocol handshake to the
	// remote, as one budget.
	HandshakeTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}

// ForRemote returns the dialer matching the remote's protocol kind.
func ForRemote(cfg Config, remote registry.Remote) Dialer {
	if remote.Kind == registry.KindHTTP {
		return NewHTTPRemoteDialer(cfg, remote)
	}
	return NewSOCKS5RemoteDialer(cfg, remote)
}

// dialRemote opens the TCP leg to the remote with the handshake deadline
// already armed on the returned conn. Callers clear it after their
// handshake completes.
func dialRemote(ctx context.Context, cfg Config, addr string) (net.Conn, error) {
	deadline := time.Now().Add(cfg.HandshakeTimeout)

	dd := net.Dialer{Deadline: deadline, KeepAliveConfig: cfg.KeepAlive}
	conn, err := dd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(deadline)
	return conn, nil
}
