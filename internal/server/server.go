// Package server exposes the cache over HTTP: artifact get/set/delete,
// group invalidation, health, and the monitor's metrics views.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"krds-cache/internal/logging"
)

// Server is the HTTP front for the cache service.
type Server struct {
	srv *http.Server
}

// New creates a server serving the given handlers on port.
func New(handlers *Handlers, port string) *Server {
	router := mux.NewRouter()
	handlers.Register(router)

	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("http server failed", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
