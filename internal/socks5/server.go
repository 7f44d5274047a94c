package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

// CmdConnect is the only SOCKS5 command the local listeners accept.
const CmdConnect = txsocks5.CmdConnect

// NegotiateNoAuth performs the server side of method selection, accepting
// only the no-auth method. The request is read from r (which may be a
// buffered reader holding sniffed bytes); the reply goes to w.
func NegotiateNoAuth(r io.Reader, w io.Writer) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(r)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	for _, m := range neg.Methods {
		if m == txsocks5.MethodNone {
			if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
				return fmt.Errorf("negotiation reply: %w", err)
			}
			return nil
		}
	}

	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
	return fmt.Errorf("client offers no acceptable method")
}

// Request is a parsed client CONNECT request.
type Request struct {
	Cmd  byte
	addr string
}

// Target returns the requested host:port. Domain names are passed through
// verbatim; no local resolution happens.
func (r *Request) Target() string {
	return r.addr
}

// ReadRequest parses the client's request after negotiation.
func ReadRequest(r io.Reader) (*Request, error) {
	req, err := txsocks5.NewRequestFrom(r)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return &Request{
		Cmd:  req.Cmd,
		addr: req.Address(),
	}, nil
}

// The listener always replies with a zeroed IPv4 bind address; clients of
// a CONNECT-only proxy have no use for the real one.
func writeReply(w io.Writer, rep byte) {
	bnd := txsocks5.NewReply(rep, txsocks5.ATYPIPv4, net.IPv4zero.To4(), []byte{0x00, 0x00})
	_, _ = bnd.WriteTo(w)
}

// WriteSuccessReply tells the client its CONNECT has been established.
func WriteSuccessReply(w io.Writer) {
	writeReply(w, txsocks5.RepSuccess)
}

// WriteCommandNotSupportedReply rejects BIND/UDP-ASSOCIATE requests.
func WriteCommandNotSupportedReply(w io.Writer) {
	writeReply(w, txsocks5.RepCommandNotSupported)
}

// WriteHostUnreachableReply reports that the tunnel to the target could
// not be established.
func WriteHostUnreachableReply(w io.Writer) {
	writeReply(w, txsocks5.RepHostUnreachable)
}
