package proxy

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
)

const spliceBufSize = 32 * 1024

// halfCloser is the write-shutdown half of a TCP connection.
type halfCloser interface {
	CloseWrite() error
}

// splice moves bytes between the client and the remote tunnel until
// either side finishes, propagating TCP half-close on EOF. clientR is the
// buffered reader that may still hold client bytes read during sniffing
// and negotiation.
//
// The returned outcome follows the completion rules: ClientFailed when
// the client socket errored before the remote reached EOF, ClientDone
// otherwise (including idle aborts and mid-stream remote failures, which
// do not condemn the remote).
func (s *PortServer) splice(client net.Conn, clientR io.Reader, remote net.Conn) pool.Outcome {
	counters := s.mgr.Counters()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	var remoteEOF atomic.Bool
	var clientFailed atomic.Bool

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = remote.Close()
		})
	}
	defer closeBoth()

	stop := make(chan struct{})
	go s.idleWatchdog(stop, &lastActivity, closeBoth)
	defer close(stop)

	var g errgroup.Group

	// Up: client to remote. A write error here is the remote's problem,
	// not the client's; only the read side can condemn the client.
	g.Go(func() error {
		readErr, _ := copyHalf(remote, clientR, &counters.BytesUp, &lastActivity)
		if readErr != nil && !errors.Is(readErr, net.ErrClosed) && !remoteEOF.Load() {
			clientFailed.Store(true)
		}
		return nil
	})

	// Down: remote to client.
	g.Go(func() error {
		readErr, writeErr := copyHalf(client, remote, &counters.BytesDown, &lastActivity)
		if readErr == nil && writeErr == nil {
			remoteEOF.Store(true)
		}
		if writeErr != nil && !errors.Is(writeErr, net.ErrClosed) {
			clientFailed.Store(true)
		}
		return nil
	})

	_ = g.Wait()

	if clientFailed.Load() {
		return pool.ClientFailed
	}
	return pool.ClientDone
}

// idleWatchdog force-closes the tunnel once no bytes have moved in either
// direction for IdleTimeout.
func (s *PortServer) idleWatchdog(stop <-chan struct{}, lastActivity *atomic.Int64, closeBoth func()) {
	interval := s.cfg.IdleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle >= s.cfg.IdleTimeout {
				closeBoth()
				return
			}
		}
	}
}

// copyHalf pumps one direction with a fixed-size buffer, counting bytes
// and stamping activity. On source EOF the sink's write side is shut down
// so the peer observes the half-close; both error slots are nil in that
// case.
func copyHalf(dst net.Conn, src io.Reader, counter *atomic.Int64, lastActivity *atomic.Int64) (readErr, writeErr error) {
	buf := make([]byte, spliceBufSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			lastActivity.Store(time.Now().UnixNano())
			counter.Add(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil, werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				if hc, ok := dst.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				return nil, nil
			}
			return rerr, nil
		}
	}
}
