package pool

import "sync/atomic"

// Counters are the process-lifetime monotonic counters. All fields are
// updated atomically; the tunnel engine bumps the byte counters and
// TunnelsOpened directly, the control surface bumps TotalRequests, and the
// manager owns the rest.
type Counters struct {
	TotalRequests       atomic.Int64
	HandedOut           atomic.Int64
	TunnelsOpened       atomic.Int64
	TunnelsFailedRemote atomic.Int64
	TunnelsFailedClient atomic.Int64
	BytesUp             atomic.Int64
	BytesDown           atomic.Int64
}

// Snapshot is a point-in-time copy of the counters plus the pool gauges,
// shaped for the control surface's stats response.
type Snapshot struct {
	TotalRequests       int64 `json:"total_requests"`
	HandedOut           int64 `json:"handed_out"`
	TunnelsOpened       int64 `json:"tunnels_opened"`
	TunnelsFailedRemote int64 `json:"tunnels_failed_remote"`
	TunnelsFailedClient int64 `json:"tunnels_failed_client"`
	BytesUp             int64 `json:"bytes_up"`
	BytesDown           int64 `json:"bytes_down"`
	ActiveReadyPorts    int   `json:"active_ready_ports"`
	KnownBadRemotes     int   `json:"known_bad_remotes"`
	TotalRemotes        int   `json:"total_remotes"`
}
