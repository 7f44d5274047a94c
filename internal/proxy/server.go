package proxy

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mtt-konan/socks5-proxy-pool/internal/dialer"
	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

// PortServer runs the accept loop for one local port. Every accepted
// connection must claim the port's current binding; unbound ports reject
// by closing immediately.
type PortServer struct {
	ctx  context.Context
	cfg  Config
	mgr  *pool.Manager
	port int

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewPortServer constructs the server for port. ctx cancels in-flight
// remote dials; force-closing tunnels is the caller's job via CloseActive.
func NewPortServer(ctx context.Context, cfg Config, mgr *pool.Manager, port int) *PortServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &PortServer{
		ctx:   ctx,
		cfg:   cfg.withDefaults(),
		mgr:   mgr,
		port:  port,
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until it is closed.
func (s *PortServer) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(c)
	}
}

// ActiveConns reports how many client connections are currently being
// served on this port.
func (s *PortServer) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// CloseActive force-closes every in-flight client connection. Used at
// shutdown after the drain grace expires.
func (s *PortServer) CloseActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *PortServer) track(c net.Conn) func() {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}
}

func (s *PortServer) handleConn(conn net.Conn) {
	defer conn.Close()
	untrack := s.track(conn)
	defer untrack()

	remote, gen, ok := s.mgr.Claim(s.port)
	if !ok {
		// Not Ready and not reserved: this generation is spent or the port
		// is unbound. Reject with a plain close.
		log.Debug().Int("port", s.port).Msg("rejecting connection on unclaimable port")
		return
	}

	outcome := s.serveClaimed(conn, remote)
	s.mgr.Complete(s.port, gen, outcome)
}

// protocol classes recognized by the sniffer.
type protocol int

const (
	protoUnknown protocol = iota
	protoSOCKS5
	protoSOCKS4
	protoHTTP
)

// httpMethodPrefixes are the 3-byte prefixes of the request methods the
// HTTP handler accepts.
var httpMethodPrefixes = []string{"CON", "GET", "POS", "PUT", "DEL", "HEA", "OPT", "PAT"}

func classify(p []byte) protocol {
	switch p[0] {
	case 0x05:
		return protoSOCKS5
	case 0x04:
		return protoSOCKS4
	}
	for _, m := range httpMethodPrefixes {
		if string(p) == m {
			return protoHTTP
		}
	}
	return protoUnknown
}

// serveClaimed sniffs the protocol and runs the matching handler. The
// claimed generation is consumed no matter what happens from here on.
func (s *PortServer) serveClaimed(conn net.Conn, remote registry.Remote) pool.Outcome {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SniffTimeout))

	br := bufio.NewReader(conn)
	p, err := br.Peek(3)
	if err != nil {
		log.Debug().Int("port", s.port).Err(err).Msg("sniff failed")
		return pool.ClientFailed
	}

	switch classify(p) {
	case protoSOCKS5:
		return s.handleSOCKS5(conn, br, remote)
	case protoHTTP:
		return s.handleHTTP(conn, br, remote)
	case protoSOCKS4:
		log.Debug().Int("port", s.port).Msg("rejecting SOCKS4 client")
		return pool.ClientFailed
	default:
		log.Debug().Int("port", s.port).Msg("rejecting unrecognized protocol")
		return pool.ClientFailed
	}
}

// openTunnel dials the bound remote and performs its handshake for
// target. On success the tunnel counter is bumped and the conn is ready
// to splice.
func (s *PortServer) openTunnel(remote registry.Remote, target string) (net.Conn, error) {
	d := dialer.ForRemote(dialer.Config{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		KeepAlive:        s.cfg.KeepAlive,
	}, remote)

	up, err := d.DialContext(s.ctx, "tcp", target)
	if err != nil {
		log.Warn().Int("port", s.port).Int("remote", remote.ID).Str("target", target).Err(err).Msg("remote tunnel failed")
		return nil, err
	}

	s.mgr.Counters().TunnelsOpened.Add(1)
	log.Debug().Int("port", s.port).Int("remote", remote.ID).Str("target", target).Msg("tunnel opened")
	return up, nil
}
