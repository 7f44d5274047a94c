package socks5

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
)

// Connect drives the client side of a remote SOCKS5 proxy conversation on
// conn: method selection with the remote's credentials, then a CONNECT
// for target. The caller owns deadlines; when Connect returns nil the
// conn carries tunnel payload.
func Connect(conn net.Conn, remote registry.Remote, target string) error {
	if err := authenticate(conn, remote); err != nil {
		return err
	}

	req, err := connectRequest(target)
	if err != nil {
		return err
	}
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return fmt.Errorf("remote refused connect: rep 0x%02x", rep.Rep)
	}
	return nil
}

// authenticate offers no-auth, plus username/password when the remote has
// credentials, then follows whichever method the remote selects.
func authenticate(conn net.Conn, remote registry.Remote) error {
	methods := []byte{txsocks5.MethodNone}
	if remote.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	switch rep.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
	default:
		return fmt.Errorf("remote selected unsupported method 0x%02x", rep.Method)
	}

	if remote.Username == "" {
		return fmt.Errorf("remote requires credentials but none are configured")
	}
	up := txsocks5.NewUserPassNegotiationRequest([]byte(remote.Username), []byte(remote.Password))
	if _, err := up.WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	urep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if urep.Status != txsocks5.UserPassStatusSuccess {
		return fmt.Errorf("remote rejected credentials for %q", remote.Username)
	}
	return nil
}

// connectRequest builds the CONNECT request for target. IP literals go as
// themselves; anything else rides the domain address type so the remote
// does the resolving, never this process.
func connectRequest(target string) (*txsocks5.Request, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", target, err)
	}
	portNum, err := strconv.Atoi(portStr)
	if err != nil || portNum < 0 || portNum > 65535 {
		return nil, fmt.Errorf("target %q: bad port", target)
	}
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, uint16(portNum))

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return txsocks5.NewRequest(txsocks5.CmdConnect, txsocks5.ATYPIPv4, ip4, port), nil
		}
		return txsocks5.NewRequest(txsocks5.CmdConnect, txsocks5.ATYPIPv6, ip.To16(), port), nil
	}
	// NewRequest adds the domain length prefix itself.
	return txsocks5.NewRequest(txsocks5.CmdConnect, txsocks5.ATYPDomain, []byte(host), port), nil
}
