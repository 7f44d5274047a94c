package registry

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind identifies the protocol spoken by a remote proxy.
type Kind string

const (
	KindSOCKS5 Kind = "socks5"
	KindHTTP   Kind = "http"
)

// Remote is one upstream proxy endpoint. Remotes are immutable after load
// and identified by their load index.
type Remote struct {
	ID       int
	Kind     Kind
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the remote's dialable host:port.
func (r Remote) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Registry is the immutable set of remote proxies loaded at startup.
type Registry struct {
	remotes []Remote
}

var ErrEmpty = errors.New("registry: no usable remote proxies")

// Load reads the proxy file: one remote per line, whitespace-separated
// fields "host port [user [pass [kind]]]". Lines starting with '#' and
// blank lines are skipped. Records with an unparsable port or unknown
// kind are rejected.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := Parse(f)
	if err != nil {
		return nil, err
	}

	log.Info().Str("file", path).Int("remotes", r.Count()).Msg("loaded remote proxies")
	return r, nil
}

// Parse reads remote records from r. Exposed separately so tests can feed
// literal record sets.
func Parse(r io.Reader) (*Registry, error) {
	reg := &Registry{}
	rejected := 0

	sc := bufio.NewScanner(r)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		remote, err := parseRecord(line)
		if err != nil {
			log.Warn().Int("line", lineNum).Err(err).Msg("rejected remote proxy record")
			rejected++
			continue
		}

		remote.ID = len(reg.remotes)
		reg.remotes = append(reg.remotes, remote)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("registry: read: %w", err)
	}

	if rejected > 0 {
		log.Warn().Int("rejected", rejected).Msg("some remote proxy records were rejected")
	}
	if len(reg.remotes) == 0 {
		return nil, ErrEmpty
	}
	return reg, nil
}

func parseRecord(line string) (Remote, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Remote{}, errors.New("need at least host and port")
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Remote{}, fmt.Errorf("port %q: %w", fields[1], err)
	}
	if port < 1 || port > 65535 {
		return Remote{}, fmt.Errorf("port %d out of range", port)
	}

	// Credentials default to the placeholder the pool was historically fed
	// with when the upstream provider ignores them.
	remote := Remote{
		Kind:     KindSOCKS5,
		Host:     fields[0],
		Port:     port,
		Username: "1",
		Password: "1",
	}
	if len(fields) >= 3 {
		remote.Username = fields[2]
	}
	if len(fields) >= 4 {
		remote.Password = fields[3]
	}
	if len(fields) >= 5 {
		switch Kind(strings.ToLower(fields[4])) {
		case KindSOCKS5:
			remote.Kind = KindSOCKS5
		case KindHTTP:
			remote.Kind = KindHTTP
		default:
			return Remote{}, fmt.Errorf("unknown kind %q", fields[4])
		}
	}
	return remote, nil
}

// Count returns the number of loaded remotes.
func (r *Registry) Count() int {
	return len(r.remotes)
}

// Get returns the remote at index. Index must be in [0, Count()).
func (r *Registry) Get(index int) Remote {
	return r.remotes[index]
}
