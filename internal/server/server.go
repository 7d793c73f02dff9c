package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavdeev/chatline/internal/limits"
	"github.com/mavdeev/chatline/internal/monitoring"
)

// Config carries the listener-level settings. The store, registry and
// dispatcher are injected separately.
type Config struct {
	Addr        string
	TLSCertFile string
	TLSKeyFile  string

	MaxConnections int
	ShutdownGrace  time.Duration

	// RateLimiter may be nil, which disables accept-time rate limiting.
	RateLimiter *limits.ConnectionRateLimiter
}

// Server owns the TLS listener and the lifecycle of every accepted
// connection. Each connection runs in its own goroutine under the
// dispatcher; Shutdown drains them with a grace period before forcing
// the stragglers closed.
type Server struct {
	cfg        Config
	tlsConfig  *tls.Config
	dispatcher *Dispatcher
	logger     zerolog.Logger

	listener net.Listener
	clients  sync.Map // *Client -> struct{}
	wg       sync.WaitGroup

	current      int64
	nextClientID int64
	shuttingDown atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds the server and loads the TLS keypair. A certificate/key
// mismatch surfaces here, before any socket is opened.
func New(cfg Config, dispatcher *Dispatcher, logger zerolog.Logger) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "server").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}, nil
}

// Start opens the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = tls.NewListener(ln, s.tlsConfig)

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("server listening")

	go s.acceptLoop()
	return nil
}

// Done is closed when the accept loop has exited.
func (s *Server) Done() <-chan struct{} { return s.done }

// Addr returns the bound listener address, useful when the configured
// address carries port 0.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) acceptLoop() {
	defer monitoring.RecoverPanic(s.logger, "accept_loop", nil)
	defer close(s.done)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				s.logger.Info().Msg("accept loop stopped")
			} else {
				s.logger.Error().Err(err).Msg("accept failed, listener closed")
			}
			return
		}

		if s.shuttingDown.Load() {
			monitoring.ConnectionRejected("shutdown")
			conn.Close()
			continue
		}
		if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(remoteIP(conn)) {
			monitoring.ConnectionRejected("rate_limit")
			conn.Close()
			continue
		}
		if atomic.LoadInt64(&s.current) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn().
				Int("max_connections", s.cfg.MaxConnections).
				Msg("connection rejected, at capacity")
			monitoring.ConnectionRejected("capacity")
			conn.Close()
			continue
		}

		client := newClient(atomic.AddInt64(&s.nextClientID, 1), conn)
		s.clients.Store(client, struct{}{})
		atomic.AddInt64(&s.current, 1)
		monitoring.ConnectionOpened()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.clients.Delete(client)
				atomic.AddInt64(&s.current, -1)
				monitoring.ConnectionClosed()
			}()
			s.dispatcher.HandleConn(s.ctx, client)
		}()
	}
}

// Shutdown stops accepting, waits up to the configured grace period for
// in-flight connections to finish, then force-closes whatever remains.
// Idempotent and blocking.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.shuttingDown.Store(true)
		if s.listener != nil {
			s.listener.Close()
		}

		remaining := atomic.LoadInt64(&s.current)
		s.logger.Info().
			Int64("active_connections", remaining).
			Dur("grace", s.cfg.ShutdownGrace).
			Msg("draining connections")

		deadline := time.NewTimer(s.cfg.ShutdownGrace)
		defer deadline.Stop()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

	drain:
		for atomic.LoadInt64(&s.current) > 0 {
			select {
			case <-deadline.C:
				forced := 0
				s.clients.Range(func(key, _ any) bool {
					key.(*Client).Close()
					forced++
					return true
				})
				s.logger.Warn().Int("forced", forced).Msg("grace period expired, connections force-closed")
				break drain
			case <-ticker.C:
			}
		}

		s.cancel()
		s.wg.Wait()
		if s.cfg.RateLimiter != nil {
			s.cfg.RateLimiter.Stop()
		}
		s.logger.Info().Msg("shutdown complete")
	})
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
