// Package dialer provides outbound dialing to remote proxies.
//
// Each remote proxy gets a Dialer that connects to the remote and
// performs its protocol handshake (SOCKS5 negotiation or HTTP CONNECT)
// before handing the tunnel-ready connection back. Dial and handshake
// share one deadline budget.
package dialer
