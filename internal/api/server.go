// Package api exposes the operator surface: capacity and override
// mutations, task listings, cleanup, and the dashboard websocket.
package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the HTTP server around the operator routes.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the router around the given handlers.
func NewServer(h *Handlers) *Server {
	return &Server{handler: SetupRoutes(h)}
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Websocket sessions manage their own write deadlines.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
