package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
	"github.com/mtt-konan/socks5-proxy-pool/internal/proxy"
	"github.com/mtt-konan/socks5-proxy-pool/internal/registry"
	"github.com/mtt-konan/socks5-proxy-pool/internal/web"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		host             = pflag.String("host", "127.0.0.1", "Address the local proxy ports and the control server bind to")
		webPort          = pflag.Int("web-port", 7777, "Control server port")
		proxyFile        = pflag.String("proxy-file", "all_proxies.txt", "Remote proxy list: one 'host port user pass [kind]' per line")
		maxActiveProxies = pflag.Int("max-active-proxies", 200, "Maximum number of ports bound to a remote at warmup")
		portBase         = pflag.Int("port-base", 10000, "First local proxy port")
		portCount        = pflag.Int("port-count", 100, "Number of local proxy ports")
		dialTimeout      = pflag.Duration("dial-timeout", 10*time.Second, "Budget for remote dial plus remote handshake")
		sniffTimeout     = pflag.Duration("sniff-timeout", 5*time.Second, "Timeout waiting for the first client bytes")
		idleTimeout      = pflag.Duration("idle-timeout", 60*time.Second, "Abort tunnels with no traffic in either direction for this long")
		tcpKeepAlive     = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		logLevel         = pflag.String("log-level", "info", "Log level: debug, info, warn, error")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level: %v\n", err)
		return exitStartup
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		log.Error().Err(err).Msg("invalid --tcp-keepalive")
		return exitStartup
	}

	reg, err := registry.Load(*proxyFile)
	if err != nil {
		log.Error().Err(err).Msg("cannot load remote proxies")
		return exitStartup
	}

	// Every local port must bind or the process refuses to start.
	listeners := make([]net.Listener, 0, *portCount)
	closeAll := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}
	for i := 0; i < *portCount; i++ {
		addr := net.JoinHostPort(*host, strconv.Itoa(*portBase+i))
		ln, err := proxy.ListenTCP(addr, ka)
		if err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("cannot bind local proxy port")
			closeAll()
			return exitStartup
		}
		listeners = append(listeners, ln)
	}

	webLn, err := proxy.ListenTCP(web.Addr(*host, *webPort), ka)
	if err != nil {
		log.Error().Err(err).Msg("cannot bind control port")
		closeAll()
		return exitStartup
	}

	mgr := pool.NewManager(pool.Config{
		PortBase:  *portBase,
		PortCount: *portCount,
		MaxActive: *maxActiveProxies,
	}, reg)
	mgr.Start()
	defer mgr.Close()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := proxy.Config{
		SniffTimeout:     *sniffTimeout,
		HandshakeTimeout: *dialTimeout,
		IdleTimeout:      *idleTimeout,
		KeepAlive:        ka,
	}

	servers := make([]*proxy.PortServer, 0, len(listeners))
	for i, ln := range listeners {
		srv := proxy.NewPortServer(ctx, cfg, mgr, *portBase+i)
		servers = append(servers, srv)

		ln := ln
		context.AfterFunc(ctx, func() {
			_ = ln.Close()
		})
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("proxy serve %s: %w", ln.Addr(), err)
			}
			return nil
		})
	}
	log.Info().Str("host", *host).Int("port_base", *portBase).Int("port_count", *portCount).Msg("proxy ports listening")

	webSrv := web.NewServer(*host, mgr)
	context.AfterFunc(ctx, func() {
		_ = webSrv.Close()
		_ = webLn.Close()
	})
	g.Go(func() error {
		if err := webSrv.Serve(webLn); err != nil {
			return fmt.Errorf("control serve: %w", err)
		}
		return nil
	})
	log.Info().Str("addr", web.Addr(*host, *webPort)).Msg("control server listening")

	err = g.Wait()

	log.Info().Msg("shutting down")
	drain(servers, 2*time.Second)

	if err != nil {
		log.Error().Err(err).Msg("unrecoverable server error")
		return exitRuntime
	}
	return exitOK
}

// drain waits up to grace for in-flight tunnels to finish, then
// force-closes whatever is left.
func drain(servers []*proxy.PortServer, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		active := 0
		for _, s := range servers {
			active += s.ActiveConns()
		}
		if active == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	for _, s := range servers {
		s.CloseActive()
	}
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
