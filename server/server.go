// Package server contains misc server utilities.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"
)

// DefaultGrace is how long in-flight requests are given to finish on shutdown
const DefaultGrace = 5 * time.Second

// Serve serves handler on l until ctx is done, then shuts the server down,
// giving in-flight requests up to grace to complete.  The error is nil after
// a clean shutdown.
func Serve(ctx context.Context, l net.Listener, handler http.Handler, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	srv := &http.Server{Handler: handler}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(l)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server at", l.Addr())
	sctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errs; err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, grace time.Duration) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, l, handler, grace)
}
