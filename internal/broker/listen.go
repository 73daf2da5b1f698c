package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AnnounceSentinel terminates the URL list written to the startup channel.
const AnnounceSentinel = '^'

// SplitURLs splits a semicolon separated --urls value.
func SplitURLs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Listen opens one TCP listener per URL. Port 0 picks a free port; the
// returned URLs carry the port actually bound.
func Listen(rawURLs []string) ([]net.Listener, []string, error) {
	var (
		listeners []net.Listener
		bound     []string
	)
	closeAll := func() {
		for _, l := range listeners {
			l.Close()
		}
	}
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("parse listen url %q: %w", raw, err)
		}
		if u.Scheme != "http" {
			closeAll()
			return nil, nil, fmt.Errorf("listen url %q: only http is supported", raw)
		}
		host := u.Hostname()
		if host == "" {
			host = "127.0.0.1"
		}
		port := u.Port()
		if port == "" {
			port = "80"
		}
		l, err := net.Listen("tcp", net.JoinHostPort(host, port))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("listen on %s: %w", raw, err)
		}
		listeners = append(listeners, l)

		_, actualPort, _ := net.SplitHostPort(l.Addr().String())
		bound = append(bound, (&url.URL{Scheme: u.Scheme, Host: net.JoinHostPort(host, actualPort)}).String())
	}
	if len(listeners) == 0 {
		return nil, nil, errors.New("no listen urls")
	}
	return listeners, bound, nil
}

// Announce writes the bound URLs as a JSON array followed by
// AnnounceSentinel to the unix socket the spawning client listens on.
func Announce(ctx context.Context, socketPath string, urls []string) error {
	data, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial startup channel %s: %w", socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(append(data, AnnounceSentinel)); err != nil {
		return fmt.Errorf("write startup channel: %w", err)
	}
	return nil
}

// Serve serves the broker on every listener until ctx ends, then stops
// accepting requests, closes live pipes and waits for handlers up to
// shutdownTimeout.
func (s *Server) Serve(ctx context.Context, listeners []net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, len(listeners))
	for _, l := range listeners {
		s.logf("broker listening on http://%s", l.Addr())
		go func(l net.Listener) {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}(l)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errs:
		s.logf("HTTP server error: %v", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logf("HTTP server shutdown: %v", err)
	}
	if err := s.CloseConnections(shutdownCtx); err != nil {
		s.logf("close pipes: %v", err)
	}
	return serveErr
}
