// Package web exposes the pool's control surface: an endpoint per
// request, and a stats snapshot.
package web

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mtt-konan/socks5-proxy-pool/internal/pool"
)

// Server answers the two control-plane requests consumed by callers of
// the pool: GET / hands out a bound local endpoint, GET /stats reports
// counters.
type Server struct {
	host string
	mgr  *pool.Manager
	srv  *http.Server
}

// NewServer builds the control server. host is the address clients should
// connect their proxied traffic to, i.e. the listeners' bind host.
func NewServer(host string, mgr *pool.Manager) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{host: host, mgr: mgr}
	router.GET("/", s.handleAcquire)
	router.GET("/stats", s.handleStats)
	router.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNotFound)
	})

	s.srv = &http.Server{Handler: router}
	return s
}

// Serve serves control requests on ln.
func (s *Server) Serve(ln net.Listener) error {
	err := s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the HTTP server.
func (s *Server) Close() error {
	return s.srv.Close()
}

// handleAcquire reserves a ready port and returns its endpoint as a bare
// "host:port" body. Exhaustion is a retryable condition, not an error
// worth logging loudly.
func (s *Server) handleAcquire(c *gin.Context) {
	s.mgr.Counters().TotalRequests.Add(1)

	port, gen, err := s.mgr.ReserveReadyPort()
	if err != nil {
		c.Header("Retry-After", "1")
		c.String(http.StatusServiceUnavailable, "no proxy port ready, retry shortly")
		return
	}

	endpoint := net.JoinHostPort(s.host, strconv.Itoa(port))
	log.Debug().Str("endpoint", endpoint).Uint64("gen", gen).Msg("endpoint handed out")

	c.Header("Access-Control-Allow-Origin", "*")
	c.String(http.StatusOK, endpoint)
}

func (s *Server) handleStats(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, s.mgr.Stats())
}

// Addr formats the control listen address from host and port.
func Addr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
