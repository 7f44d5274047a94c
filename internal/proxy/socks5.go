package proxy

import (
	"bufio"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
	"github.com/mtt-konan/socks5-proxy-pool/internal/socks5"
)

// handleSOCKS5 serves one SOCKS5 client: no-auth negotiation, a CONNECT
// request, then a tunnel through the bound remote. Domain targets are
// forwarded to the remote without local resolution.
func (s *PortServer) handleSOCKS5(conn net.Conn, br *bufio.Reader, remote registry.Remote) pool.Outcome {
	if err := socks5.NegotiateNoAuth(br, conn); err != nil {
		log.Debug().Int("port", s.port).Err(err).Msg("socks5 negotiation failed")
		return pool.ClientFailed
	}

	req, err := socks5.ReadRequest(br)
	if err != nil {
		log.Debug().Int("port", s.port).Err(err).Msg("bad socks5 request")
		return pool.ClientFailed
	}
	if req.Cmd != socks5.CmdConnect {
		socks5.WriteCommandNotSupportedReply(conn)
		return pool.ClientFailed
	}

	up, err := s.openTunnel(remote, req.Target())
	if err != nil {
		socks5.WriteHostUnreachableReply(conn)
		return pool.RemoteFailed
	}
	defer up.Close()

	socks5.WriteSuccessReply(conn)

	_ = conn.SetReadDeadline(time.Time{})
	return s.splice(conn, br, up)
}
