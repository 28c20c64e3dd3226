package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is the standalone control API listener.
type Server struct {
	srv  *http.Server
	ln   net.Listener
	errc chan error
}

// NewServer binds addr and starts serving h. Binding happens before
// returning so a port already in use is reported to the caller. tlsCfg may be
// nil.
func NewServer(addr string, h http.Handler, tlsCfg *tls.Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s := &Server{srv: srv, ln: ln, errc: make(chan error, 1)}
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			slog.Error("control API stopped", "error", err)
		}
		s.errc <- err
		close(s.errc)
	}()
	return s, nil
}

// Addr is the bound address, useful when addr used port 0.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Err delivers the serve error once the listener stops.
func (s *Server) Err() <-chan error { return s.errc }

// Shutdown stops accepting connections and waits for active requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
