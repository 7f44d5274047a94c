// Package proxy implements the per-port data plane: the dual-protocol
// listener that sniffs HTTP vs SOCKS5 on the first client bytes, the two
// protocol handlers, and the tunnel splice to the bound remote proxy.
//
// Each accepted connection claims its port's current binding from the
// pool manager, serves exactly one tunnel, and reports the outcome so the
// port can be rebound.
package proxy
