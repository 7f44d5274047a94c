// Package socks5 wraps github.com/txthinking/socks5 with the two halves
// this pool needs: the no-auth server side spoken to local clients, and
// the authenticated client side spoken to remote proxies.
package socks5
