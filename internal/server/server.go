package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates an HTTP server for addr with production timeouts.
// WriteTimeout is left unset since upgraded WebSocket connections outlive
// any single response.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer serves HTTP until the server is shut down. A clean shutdown
// is not an error.
func StartServer(log *zap.Logger, server *http.Server) error {
	log.Info("HTTP listener started", zap.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server, waiting at most timeout
// for in-flight requests.
func ShutdownServer(log *zap.Logger, server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
		return err
	}
	log.Info("HTTP server shutdown completed")
	return nil
}
