// Package callback runs the short-lived loopback HTTP(S) server that captures
// the single authorization redirect of an interactive flow.
package callback

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// successBody is the fixed plaintext page shown in the browser once the
// redirect has been captured.
const successBody = "Authorization complete. You may close this window and return to your terminal.\n"

// Result holds the parameters of the captured redirect request.
type Result struct {
	// URI is the full request URI as received, for diagnostics.
	URI string

	// Code is the authorization code, taken strictly from the "code" query
	// parameter. Empty when the provider sent none.
	Code string

	// State echoes the state parameter; the caller verifies it against the
	// value sent with the authorization request.
	State string

	// Error and ErrorDescription carry a provider-reported authorization
	// failure, when present.
	Error            string
	ErrorDescription string

	// Query is the complete parsed query string, kept so failures can be
	// logged with the full response.
	Query url.Values
}

// IsError reports whether the provider redirected back with an error response.
func (r *Result) IsError() bool {
	return r.Error != ""
}

// Config describes where and how the redirect listener binds.
type Config struct {
	Host string
	Port uint16

	// UseTLS serves HTTPS with the given key pair. Some providers only allow
	// https redirect URIs, even for loopback addresses.
	UseTLS   bool
	CertFile string
	KeyFile  string
}

// Server is a loopback HTTP(S) server that captures exactly one redirect
// request and answers every later request with 409 Conflict. It exists for
// the duration of a single authorization flow.
type Server struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	resultCh chan *Result
	once     sync.Once
}

// New creates an unstarted Server for cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		resultCh: make(chan *Result, 1),
	}
}

// Addr returns the host:port the server is configured to bind to.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port)))
}

// BoundAddr returns the address actually bound. Valid after Start; it differs
// from Addr when port 0 requested an ephemeral port.
func (s *Server) BoundAddr() string {
	if s.listener == nil {
		return s.Addr()
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving in the background.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, bad key pair) are returned immediately.
// Runtime errors are sent to the error channel.
//
// The caller is responsible for calling Stop() to release the port.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.Addr(), err)
	}

	if s.cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("loading redirect TLS key pair: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.listener = listener

	// The provider may append its parameters to any configured path, so the
	// handler captures every path.
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRedirect)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// stdout and stderr belong to the token output and application
		// logging; net/http's own diagnostics stay out of both.
		ErrorLog: log.New(io.Discard, "", 0),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Wait blocks until the redirect request has been captured or ctx is done,
// whichever comes first. The caller bounds the wait through ctx.
func (s *Server) Wait(ctx context.Context) (*Result, error) {
	select {
	case result := <-s.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop performs graceful shutdown of the server and releases the port.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// handleRedirect admits exactly one request into capture; every later request
// is answered with 409 Conflict.
func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	captured := false
	s.once.Do(func() {
		captured = true
		s.capture(w, r)
	})

	if !captured {
		http.Error(w, "redirect already processed", http.StatusConflict)
	}
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	scheme := "http"
	if s.cfg.UseTLS {
		scheme = "https"
	}

	result := &Result{
		URI:              scheme + "://" + r.Host + r.RequestURI,
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
		Query:            query,
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, successBody)

	// resultCh is buffered; the handler never blocks on a slow waiter.
	s.resultCh <- result
}
