// Package beacon provides the real-time presence and notification broadcast
// subsystem of the platform: a WebSocket gateway with an identity-keyed
// connection registry, cache-plus-durable presence tracking, a capped
// per-identity notification inbox, and a periodic reconciler for presence
// flags left stale by ungraceful disconnects.
// This file contains the Server struct which manages the HTTP server
// lifecycle hosting the gateway, including graceful shutdown handling.
package beacon

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type Server struct {
	server    *http.Server
	gateway   *Gateway
	mutex     sync.RWMutex
	isRunning bool
	cancel    context.CancelFunc
}

// NewServer creates an HTTP server hosting the gateway's connection handler
// at options.Path (default "/ws"). The gateway keeps its own lifecycle; the
// server only owns the listener.
func NewServer(gateway *Gateway, options *ServerOptions) *Server {
	_, cancel := context.WithCancel(context.Background())

	addr := options.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	path := options.Path
	if path == "" {
		path = "/ws"
	}
	mux := http.NewServeMux()

	mux.HandleFunc(path, gateway.HTTPHandler())

	return &Server{
		cancel:  cancel,
		gateway: gateway,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  options.ServerReadTimeout,
			WriteTimeout: options.ServerWriteTimeout,
			IdleTimeout:  options.ServerIdleTimeout,
			TLSConfig:    options.ServerTLSConfig,
		},
	}
}

// Start begins listening for connections on the configured address.
// It returns immediately; the listener runs in a background goroutine.
func (s *Server) Start() error {
	s.mutex.Lock()

	if s.isRunning {
		s.mutex.Unlock()

		return internal("SERVER", "Server is already running")
	}
	s.isRunning = true
	s.mutex.Unlock()

	go func() {
		if s.server.TLSConfig != nil {
			_ = s.server.ListenAndServeTLS("", "")
		} else {
			_ = s.server.ListenAndServe()
		}

		s.mutex.Lock()

		s.isRunning = false
		s.mutex.Unlock()
	}()

	return nil
}

// Listen starts the server and blocks until SIGINT or SIGTERM, then shuts
// down gracefully with a 30 second drain window.
func (s *Server) Listen() error {
	if err := s.Start(); err != nil {
		return err
	}
	quit := make(chan os.Signal, 1)

	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	if err := s.Stop(30 * time.Second); err != nil {
		return wrapF(err, "error during server shutdown")
	}
	return nil
}

// IsRunning returns true if the server is currently accepting connections.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return s.isRunning
}

// Stop closes the gateway (tearing down every live connection through the
// normal path) and then shuts the HTTP server down within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mutex.Lock()

	if !s.isRunning {
		s.mutex.Unlock()

		return nil
	}
	s.mutex.Unlock()

	s.cancel()

	s.gateway.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)

	defer shutdownCancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return wrapF(err, "http server shutdown failed")
	}
	return nil
}
