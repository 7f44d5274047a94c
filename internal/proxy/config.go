package proxy

import (
	"net"
	"time"
)

// Config holds the data-plane knobs shared by all port servers.
type Config struct {
	// SniffTimeout bounds the wait for the first client bytes.
	SniffTimeout time.Duration

	// HandshakeTimeout bounds remote dial plus remote handshake.
	HandshakeTimeout time.Duration

	// IdleTimeout aborts a tunnel after this long with no bytes moving in
	// either direction.
	IdleTimeout time.Duration

	KeepAlive net.KeepAliveConfig
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.SniffTimeout <= 0 {
		cfg.SniffTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return cfg
}
