package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

// HTTPRemoteDialer tunnels through a remote HTTP proxy using the CONNECT
// method with Basic proxy authorization.
type HTTPRemoteDialer struct {
	cfg    Config
	remote registry.Remote
	auth   string
}

func NewHTTPRemoteDialer(cfg Config, remote registry.Remote) *HTTPRemoteDialer {
	auth := ""
	if remote.Username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(remote.Username+":"+remote.Password))
	}
	return &HTTPRemoteDialer{cfg: cfg, remote: remote, auth: auth}
}

// DialContext connects to the remote proxy, sends CONNECT for address and
// requires a 2xx status before handing back the raw tunnel.
func (d *HTTPRemoteDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("http remote %s: unsupported network %q", d.remote.Addr(), network)
	}

	conn, err := dialRemote(ctx, d.cfg, d.remote.Addr())
	if err != nil {
		return nil, fmt.Errorf("http remote %s: %w", d.remote.Addr(), err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("http remote %s: connect write: %w", d.remote.Addr(), err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("http remote %s: connect read: %w", d.remote.Addr(), err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		_ = conn.Close()
		return nil, fmt.Errorf("http remote %s: connect failed: %s", d.remote.Addr(), resp.Status)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
