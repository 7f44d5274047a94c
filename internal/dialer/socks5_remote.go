package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
	"github.com/mtt-konan/socks5-proxy-pool/internal/socks5"
)

// SOCKS5RemoteDialer tunnels through an authenticated remote SOCKS5
// proxy. Negotiation offers no-auth plus username/password and follows
// the remote's choice.
type SOCKS5RemoteDialer struct {
	cfg    Config
	remote registry.Remote
}

func NewSOCKS5RemoteDialer(cfg Config, remote registry.Remote) *SOCKS5RemoteDialer {
	return &SOCKS5RemoteDialer{cfg: cfg, remote: remote}
}

// DialContext connects to the remote proxy and asks it to CONNECT to
// address. Domain targets are passed through to the remote unresolved.
func (d *SOCKS5RemoteDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 remote %s: unsupported network %q", d.remote.Addr(), network)
	}

	conn, err := dialRemote(ctx, d.cfg, d.remote.Addr())
	if err != nil {
		return nil, fmt.Errorf("socks5 remote %s: %w", d.remote.Addr(), err)
	}

	if err := socks5.Connect(conn, d.remote, address); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("socks5 remote %s: %w", d.remote.Addr(), err)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
