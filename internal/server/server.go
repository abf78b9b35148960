// ABOUTME: HTTP server lifecycle with plain TCP or Tailscale listeners
// ABOUTME: Handles graceful shutdown with a bounded drain window

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/owork-gateway/internal/auth"
	"github.com/2389/owork-gateway/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server hosts the gateway HTTP API
type Server struct {
	cfg      *config.Config
	handler  http.Handler
	logger   *slog.Logger
	tsServer *tsnet.Server
}

// New creates a server around the API handler. All /api routes are
// protected by the bearer-token middleware unless auth.jwt_secret is
// unset; health stays open either way.
func New(cfg *config.Config, api *API) *Server {
	apiHandler := http.Handler(api.Routes())
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		apiHandler = auth.Middleware(verifier)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /health/ready", api.handleReady)
	mux.Handle("/api/", apiHandler)

	return &Server{
		cfg:     cfg,
		handler: mux,
		logger:  slog.Default().With("component", "server"),
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
		if s.tsServer != nil {
			_ = s.tsServer.Close()
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.listenTailscale(ctx)
	}
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}
	return ln, nil
}

// listenTailscale joins the tailnet and listens there instead of on a
// local port. Funnel exposes the server publicly over HTTPS; otherwise
// HTTPS uses Tailscale's auto-provisioned certs when enabled.
func (s *Server) listenTailscale(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	s.tsServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsServer.Up(ctx)
	if err != nil {
		_ = s.tsServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if status.Self != nil {
		s.logger.Info("tailscale node ready", "dns_name", status.Self.DNSName)
	}

	switch {
	case tsCfg.Funnel:
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := s.tsServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = s.tsServer.Close()
			return nil, fmt.Errorf("listening on funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		s.logger.Info("enabling HTTPS with tailscale certs on :443")
		ln, err := s.tsServer.Listen("tcp", ":443")
		if err != nil {
			_ = s.tsServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := s.tsServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			_ = s.tsServer.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := s.tsServer.Listen("tcp", ":80")
		if err != nil {
			_ = s.tsServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func resolveStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "owork-gateway", "tailscale"), nil
}
