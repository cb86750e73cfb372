// Package server implements the relay's HTTP front door: it classifies
// each request and hands it to the DoH relay, the JSON query mode, the
// IP info lookup or the fallback.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/picatz/dohrelay/internal/config"
	"github.com/picatz/dohrelay/internal/telemetry"
	"github.com/picatz/dohrelay/pkg/doh"
	"github.com/picatz/dohrelay/pkg/ipinfo"
	"github.com/picatz/dohrelay/pkg/upstream"
)

// Options holds the collaborators of a Server.
type Options struct {
	// HTTPClient talks to upstream DoH servers. Defaults to a client
	// built with upstream.NewHTTPClient from the config.
	HTTPClient *http.Client

	// ProxyClient fetches fallback proxy targets. Defaults to a pooled
	// client.
	ProxyClient *http.Client

	// IPInfo answers IP info requests. Nil disables them.
	IPInfo ipinfo.Lookuper

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Intn picks the fallback proxy target. Defaults to math/rand/v2.
	Intn func(n int) int
}

// Server is the relay's http.Handler. It must be used as the root
// handler: ServeMux would clean paths such as "/https:/1.1.1.1/dns-query".
type Server struct {
	snapshot atomic.Pointer[snapshot]

	httpClient  *http.Client
	proxyClient *http.Client
	ipinfo      ipinfo.Lookuper
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	intn        func(n int) int
	console     *template.Template
}

// snapshot is the immutable per-request view of the configuration.
type snapshot struct {
	cfg             *config.Config
	defaultUpstream upstream.Spec
	paths           Paths
	proxyTargets    []string
}

func newSnapshot(cfg *config.Config) (*snapshot, error) {
	spec, err := upstream.Parse(cfg.Upstream.Default)
	if err != nil {
		return nil, fmt.Errorf("server: default upstream: %w", err)
	}

	return &snapshot{
		cfg:             cfg,
		defaultUpstream: spec,
		paths: Paths{
			DoH:    cfg.Upstream.DoHPath,
			IPInfo: cfg.IPInfo.Path,
		},
		proxyTargets: cfg.ProxyTargets(),
	}, nil
}

// New returns a Server for cfg.
func New(cfg *config.Config, opts Options) (*Server, error) {
	snap, err := newSnapshot(cfg)
	if err != nil {
		return nil, err
	}

	console, err := parseConsole()
	if err != nil {
		return nil, err
	}

	s := &Server{
		httpClient:  opts.HTTPClient,
		proxyClient: opts.ProxyClient,
		ipinfo:      opts.IPInfo,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		intn:        opts.Intn,
		console:     console,
	}

	if s.httpClient == nil {
		s.httpClient, err = upstream.NewHTTPClient(upstream.ClientOptions{
			Timeout:           cfg.Upstream.Timeout,
			MaxConcurrent:     cfg.Upstream.MaxConcurrent,
			BootstrapResolver: cfg.Upstream.BootstrapResolver,
			Wrap:              s.metrics.InstrumentTransport,
		})
		if err != nil {
			return nil, fmt.Errorf("server: upstream client: %w", err)
		}
	}
	if s.proxyClient == nil {
		s.proxyClient = cleanhttp.DefaultPooledClient()
		s.proxyClient.Timeout = cfg.Upstream.Timeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.intn == nil {
		s.intn = randIntn
	}

	s.snapshot.Store(snap)

	return s, nil
}

// Update swaps in a new configuration. Requests in flight keep the one
// they started with. Client settings (timeouts, concurrency, bootstrap
// resolver) and the listen address only change on restart.
func (s *Server) Update(cfg *config.Config) error {
	snap, err := newSnapshot(cfg)
	if err != nil {
		return err
	}

	s.snapshot.Store(snap)
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := s.snapshot.Load()

	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	mode, path, err := s.route(rw, r, snap)

	elapsed := time.Since(start)

	s.metrics.RecordRequest(r.Context(), string(mode), rw.statusCode, elapsed)

	attrs := []any{
		"method", r.Method,
		"path", path,
		"mode", mode,
		"status", rw.statusCode,
		"duration", elapsed,
	}

	if err != nil {
		s.logger.Warn("Request failed", append(attrs, "error", err)...)
		return
	}

	s.logger.Info("Request", attrs...)
}

// route serves r and reports the mode used, the path with any token
// removed, and the upstream or handler error, if any.
func (s *Server) route(w http.ResponseWriter, r *http.Request, snap *snapshot) (Mode, string, error) {
	if r.Method == http.MethodOptions {
		s.handlePreflight(w)
		return ModePreflight, r.URL.Path, nil
	}

	path, ok := s.authorize(w, r, snap.cfg.Token)
	if !ok {
		return ModeDenied, "", nil
	}

	route := Classify(r, path, snap.paths)

	var err error

	switch route.Mode {
	case ModeRelay:
		err = s.relay(snap).Relay(w, withUpstreamKind(r, snap, snap.defaultUpstream), snap.defaultUpstream)
	case ModeRelayPath:
		err = s.handleRelayPath(w, r, snap, route.Upstream)
	case ModeIPInfo:
		err = s.handleIPInfo(w, r)
	case ModeJSONQuery:
		err = s.handleJSONQuery(w, r, snap)
	default:
		err = s.handleFallback(w, r, snap, path)
	}

	return route.Mode, path, err
}

func (s *Server) relay(snap *snapshot) *doh.Relay {
	return &doh.Relay{
		HTTPClient: s.httpClient,
		UserAgent:  snap.cfg.Upstream.UserAgent,
	}
}

func (s *Server) handleRelayPath(w http.ResponseWriter, r *http.Request, snap *snapshot, raw string) error {
	spec, err := s.resolveUpstream(raw, r, snap)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return err
	}

	return s.relay(snap).Relay(w, withUpstreamKind(r, snap, spec), spec)
}

// withUpstreamKind labels the upstream round trips made for r by whether
// they go to the default upstream.
func withUpstreamKind(r *http.Request, snap *snapshot, spec upstream.Spec) *http.Request {
	kind := telemetry.UpstreamCustom
	if spec.String() == snap.defaultUpstream.String() {
		kind = telemetry.UpstreamDefault
	}
	return r.WithContext(telemetry.WithUpstreamKind(r.Context(), kind))
}

// resolveUpstream parses raw and keeps the relay from calling itself: an
// upstream on the serving host is replaced by the upstream embedded in
// its path when there is one, or by the default upstream.
func (s *Server) resolveUpstream(raw string, r *http.Request, snap *snapshot) (upstream.Spec, error) {
	spec, err := upstream.Parse(raw)
	if err != nil {
		return upstream.Spec{}, err
	}

	if !spec.SameHost(r.Host) {
		return spec, nil
	}

	if embedded, ok := spec.EmbeddedUpstream(snap.paths.DoH); ok {
		inner, err := upstream.Parse(embedded)
		if err == nil && !inner.SameHost(r.Host) {
			return inner, nil
		}
	}

	return snap.defaultUpstream, nil
}

func (s *Server) handlePreflight(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// ListenAndServe listens on the configured address and serves until ctx
// is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.snapshot.Load().cfg

	ln, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.snapshot.Load().cfg

	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("Starting DoH relay", "address", ln.Addr().String(), "upstream", cfg.Upstream.Default, "doh_path", "/"+cfg.Upstream.DoHPath)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err, ok := <-errChan:
		if ok {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down DoH relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
