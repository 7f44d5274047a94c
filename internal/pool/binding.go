package pool

import "github.com/mtt-konan/socks5-proxy-pool/internal/registry"

// State is the lifecycle state of a port binding.
type State int

const (
	// StateDraining is the resting state between uses: the previous tunnel
	// (if any) has finished and a rebind is pending or impossible.
	StateDraining State = iota
	// StatePreparing means a remote has been selected but the binding has
	// not been installed as Ready yet.
	StatePreparing
	// StateReady means the binding is eligible to serve exactly one client
	// connection.
	StateReady
	// StateInUse means the binding has been handed out or has accepted its
	// client connection.
	StateInUse
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StatePreparing:
		return "preparing"
	case StateReady:
		return "ready"
	case StateInUse:
		return "inuse"
	default:
		return "unknown"
	}
}

// Outcome reports how a tunnel on a binding ended.
type Outcome int

const (
	// ClientDone: the client finished normally; the remote is presumed good.
	ClientDone Outcome = iota
	// RemoteFailed: the remote-side dial or handshake failed; the remote is
	// retired for the rest of the process lifetime.
	RemoteFailed
	// ClientFailed: the client misbehaved or dropped early; the remote is
	// presumed good.
	ClientFailed
)

func (o Outcome) String() string {
	switch o {
	case ClientDone:
		return "client_done"
	case RemoteFailed:
		return "remote_failed"
	case ClientFailed:
		return "client_failed"
	default:
		return "unknown"
	}
}

// binding is one use-cycle of a local port. Handlers hold only the
// (port, generation) pair, never the binding itself, so a stale handler
// can always be detected by comparing generations.
type binding struct {
	state  State
	remote registry.Remote
	gen    uint64

	// claimed is set once a client connection attaches to this generation.
	// A reserved port is InUse but unclaimed until its client arrives.
	claimed bool
}
