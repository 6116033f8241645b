// Package server runs the WebSocket RPC listener: it upgrades connections,
// keeps them alive, and dispatches requests into the pipeline. A second
// listener on port+1 publishes the server certificate for trust-on-first-use
// clients.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sherpa-labs/sherpa/pkg/auth"
	"github.com/sherpa-labs/sherpa/pkg/catalog"
	"github.com/sherpa-labs/sherpa/pkg/config"
	"github.com/sherpa-labs/sherpa/pkg/pipeline"
	"github.com/sherpa-labs/sherpa/pkg/rpc"
	"github.com/sherpa-labs/sherpa/pkg/trust"
	"github.com/sherpa-labs/sherpa/pkg/util"
)

// Server owns the listeners and the live connection set.
type Server struct {
	cfg    *config.Config
	store  *catalog.Store
	pipe   *pipeline.Pipeline
	tokens *auth.TokenManager
	router *rpc.Router

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// New wires a server. Handlers are registered here; Run only listens.
func New(cfg *config.Config, store *catalog.Store, pipe *pipeline.Pipeline, tokens *auth.TokenManager) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		pipe:   pipe,
		tokens: tokens,
		router: rpc.NewRouter(tokens),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are CLI processes, not browsers; origin carries no
			// signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[string]*conn{},
	}
	s.registerHandlers()
	return s
}

// Run serves until ctx is cancelled. The RPC listener and the cert
// listener share the lifetime.
func (s *Server) Run(ctx context.Context) error {
	if err := s.pipe.EnsureStorage(); err != nil {
		util.Warnf("server: storage pool: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	scheme := "ws"
	if s.cfg.TLS.Enabled {
		cert, err := trust.LoadServerCert(
			s.cfg.ServerCertFile(), s.cfg.ServerKeyFile(),
			s.cfg.TLS.SANs, s.cfg.TLS.CertValidityDays, s.cfg.TLS.AutoGenerateCert)
		if err != nil {
			return fmt.Errorf("server: load certificate: %w", err)
		}
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		scheme = "wss"
	}

	certSrv := s.certServer()

	errc := make(chan error, 2)
	go func() {
		util.Infof("server: listening on %s://0.0.0.0:%d/ws", scheme, s.cfg.Port)
		if s.cfg.TLS.Enabled {
			errc <- srv.ListenAndServeTLS("", "")
		} else {
			errc <- srv.ListenAndServe()
		}
	}()
	go func() {
		errc <- certSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.closeAll()
	certSrv.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

// certServer builds the port+1 listener that hands out the certificate
// clients pin. It speaks plain HTTP: the client has nothing to verify the
// cert against yet, that being the point.
func (s *Server) certServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/cert", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case !s.cfg.TLS.CertEndpoint:
			http.NotFound(w, r)
		case !s.cfg.TLS.Enabled:
			http.Error(w, "TLS is disabled on this server", http.StatusServiceUnavailable)
		default:
			pem, err := os.ReadFile(s.cfg.ServerCertFile())
			if err != nil {
				http.Error(w, "certificate unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Write(pem)
		}
	})
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port+1),
		Handler: mux,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warnf("server: upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	util.WithField("conn", c.id).Infof("server: connection from %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.close()
		util.Infof("server: connection %s closed", c.id)
	}()

	if err := c.writeJSON(rpc.NewConnected(c.id)); err != nil {
		return
	}

	go c.keepalive()
	go c.logLoop()
	c.readLoop(s.router)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.close()
	}
}
