// Package webserver exposes the voting service over HTTP.
package webserver

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stake-plus/govvote/src/voting"
)

type Options struct {
	Addr        string
	JWTSecret   []byte
	TopLimit    int
	CORSOrigins []string
	// RateLimit is requests per RateWindow per caller; zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP front end. It satisfies modules.Module.
type Server struct {
	svc     *voting.Service
	opts    Options
	engine  *gin.Engine
	limiter *RateLimiter
	srv     *http.Server
	addr    net.Addr
}

func New(svc *voting.Service, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{svc: svc, opts: opts}
	if opts.RateLimit > 0 && opts.RateWindow > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateWindow)
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.attachRoutes(s.engine)
	return s
}

func (s *Server) Name() string { return "webserver" }

func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.opts.Addr
	}
	return s.addr.String()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("webserver: serve: %v", err)
		}
	}()
	log.Printf("webserver: listening on %s", s.addr)
	return nil
}

// Stop drains connections until ctx ends and stops the rate limiter.
func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
