package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"example.com/vigil/internal/auth"
	"example.com/vigil/internal/config"
	"example.com/vigil/internal/logger"
)

// Server owns the listening socket and constructs a Connection per
// accepted, handshaken stream. The per-connection engine does the rest.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	users      auth.Directory
	dispatcher Dispatcher
	metrics    *Metrics

	gate     *AdmissionGate
	registry *Registry

	mu       sync.Mutex
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a Server. All collaborators are required except
// metrics.
func NewServer(cfg *config.Config, lg *logger.Logger, users auth.Directory, dispatcher Dispatcher, metrics *Metrics) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if users == nil {
		return nil, fmt.Errorf("user directory cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}

	return &Server{
		cfg:        cfg,
		log:        lg,
		users:      users,
		dispatcher: dispatcher,
		metrics:    metrics,
		gate:       NewAdmissionGate(*cfg.API.ConcurrentRequests),
		registry:   NewRegistry(),
	}, nil
}

// Registry exposes the active-connection set, for status reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Gate exposes the process-wide admission gate.
func (s *Server) Gate() *AdmissionGate {
	return s.gate
}

// Serve listens and accepts until ctx is cancelled or the listener fails.
// It returns after all connection goroutines have exited.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.Info("Listening for API clients", logger.LogFields{"address": ln.Addr().String()})

	// Closing the listener is what actually unblocks Accept.
	go func() {
		<-s.ctx.Done()
		ln.Close()
	}()

	err = s.acceptLoop(ln)

	s.registry.DisconnectAll()
	s.wg.Wait()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or nil before Serve has set up
// the listener. Tests use it with a ":0" configuration.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, disconnects every client and waits for the
// accept loop to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) listen() (net.Listener, error) {
	addr := *s.cfg.Server.Address

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if max := *s.cfg.Server.MaxConnections; max > 0 {
		ln = netutil.LimitListener(ln, max)
	}

	if s.cfg.Server.TLS != nil {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			ln.Close()
			return nil, err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}

	return ln, nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	tc := s.cfg.Server.TLS

	cert, err := tls.LoadX509KeyPair(tc.CertFile, tc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate pair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if tc.ClientCAFile != nil && *tc.ClientCAFile != "" {
		pem, err := os.ReadFile(*tc.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in client CA file %s", *tc.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tlsCfg, nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleAccepted(conn)
		}()
	}
}

// handleAccepted finishes the TLS handshake, extracts the transport-proven
// identity if any, and hands the stream to a Connection.
func (s *Server) handleAccepted(conn net.Conn) {
	identity := ""
	authenticated := false

	if tlsConn, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.log.Warn("TLS handshake failed", logger.LogFields{
				"peer":  conn.RemoteAddr().String(),
				"error": err.Error(),
			})
			conn.Close()
			return
		}

		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) > 0 && len(state.PeerCertificates) > 0 {
			identity = state.PeerCertificates[0].Subject.CommonName
			authenticated = identity != ""
		}
	}

	s.log.Info("New HTTP client connected", logger.LogFields{"peer": conn.RemoteAddr().String()})

	c := NewConnection(ConnectionOptions{
		Stream:         conn,
		Identity:       identity,
		Authenticated:  authenticated,
		Log:            s.log,
		Users:          s.users,
		Registry:       s.registry,
		Gate:           s.gate,
		Dispatcher:     s.dispatcher,
		Metrics:        s.metrics,
		AllowedOrigins: s.cfg.API.AccessControlAllowOrigin,
		BodySizeRules:  s.cfg.API.BodySizeRules,
	})

	s.registry.Add(c)
	c.Start(s.ctx)
	c.Wait()
}
