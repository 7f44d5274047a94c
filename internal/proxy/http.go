package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

// handleHTTP serves one proxied HTTP client: CONNECT tunneling, or an
// absolute-form request forwarded through the remote with the request
// line rewritten to origin-form.
func (s *PortServer) handleHTTP(conn net.Conn, br *bufio.Reader, remote registry.Remote) pool.Outcome {
	req, err := http.ReadRequest(br)
	if err != nil {
		log.Debug().Int("port", s.port).Err(err).Msg("bad http request")
		return pool.ClientFailed
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		return s.handleHTTPConnect(conn, br, remote, req)
	}
	return s.handleHTTPForward(conn, br, remote, req)
}

func (s *PortServer) handleHTTPConnect(conn net.Conn, br *bufio.Reader, remote registry.Remote, req *http.Request) pool.Outcome {
	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	up, err := s.openTunnel(remote, target)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway, err)
		return pool.RemoteFailed
	}
	defer up.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return pool.ClientFailed
	}

	_ = conn.SetReadDeadline(time.Time{})
	return s.splice(conn, br, up)
}

func (s *PortServer) handleHTTPForward(conn net.Conn, br *bufio.Reader, remote registry.Remote, req *http.Request) pool.Outcome {
	target := req.URL.Host
	if target == "" {
		// Relative-form: fall back to the Host header.
		target = req.Host
	}
	if target == "" {
		writeHTTPError(conn, http.StatusBadRequest, fmt.Errorf("no target host in request"))
		return pool.ClientFailed
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "80")
	}

	up, err := s.openTunnel(remote, target)
	if err != nil {
		writeHTTPError(conn, http.StatusBadGateway, err)
		return pool.RemoteFailed
	}
	defer up.Close()

	// Request.Write serializes in origin-form, which is the rewrite the
	// origin server behind the remote expects.
	req.RequestURI = ""
	if req.Host == "" {
		req.Host = req.URL.Host
	}
	if err := req.Write(up); err != nil {
		return pool.ClientFailed
	}

	_ = conn.SetReadDeadline(time.Time{})
	return s.splice(conn, br, up)
}

// writeHTTPError emulates http.Error on a raw connection.
func writeHTTPError(conn net.Conn, code int, err error) {
	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n",
		code, http.StatusText(code), err.Error())
}
