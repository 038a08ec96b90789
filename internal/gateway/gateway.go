// Package gateway implements the authenticating reverse proxy that sits
// between browsers and the voice orchestrator.
//
// HTTP API calls are proxied to the upstream with a whitelisted header
// set; WebSocket upgrades are refused with instructions to connect to the
// orchestrator directly, since proxying a long-lived socket through the
// gateway would only add a hop to every audio frame.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dharsan99/voicelink/internal/config"
	"github.com/dharsan99/voicelink/internal/health"
	"github.com/dharsan99/voicelink/internal/logbuf"
	"github.com/dharsan99/voicelink/internal/observe"
)

// forwardedHeaders is the whitelist of request headers that cross the
// boundary to the upstream. Everything else (cookies, origin, browser
// fingerprinting) is dropped. Content-Type must cross so the upstream
// can parse POSTed JSON bodies.
var forwardedHeaders = []string{
	"Accept",
	"Content-Type",
	"X-Session-Id",
	"X-Request-Id",
}

// proxyTimeout bounds one proxied round trip.
const proxyTimeout = 30 * time.Second

// Config configures a gateway Server.
type Config struct {
	// UpstreamURL is the orchestrator base URL (http or https).
	UpstreamURL string

	// JWT enables bearer-token validation when non-nil.
	JWT *config.JWTConfig

	// Logs, when non-nil, exposes recent log records at /debug/logs.
	Logs *logbuf.Buffer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Client overrides the upstream HTTP client. Used by tests.
	Client *http.Client
}

// Server is the gateway HTTP handler.
type Server struct {
	upstream *url.URL
	auth     *authenticator
	metrics  *observe.Metrics
	client   *http.Client
	router   chi.Router
}

var _ http.Handler = (*Server)(nil)

// New builds a gateway server for the given config.
func New(cfg Config) (*Server, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse upstream URL %q: %w", cfg.UpstreamURL, err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, fmt.Errorf("gateway: upstream URL %q must be http or https", cfg.UpstreamURL)
	}

	s := &Server{
		upstream: upstream,
		metrics:  cfg.Metrics,
		client:   cfg.Client,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: proxyTimeout}
	}
	if cfg.JWT != nil {
		s.auth = newAuthenticator(cfg.JWT)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(s.measure)

	health.New(
		health.Upstream("orchestrator", upstream.JoinPath("/health").String(), s.client),
	).Register(r)
	r.Handle("/metrics", promhttp.Handler())

	if cfg.Logs != nil {
		r.Get("/debug/logs", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, cfg.Logs.Recent())
		})
	}

	r.Route("/api/backend", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.middleware)
		}
		r.HandleFunc("/*", s.proxy)
	})

	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// proxy forwards one API request to the orchestrator with the whitelisted
// header set. WebSocket upgrades are refused: clients hold the socket to
// the orchestrator directly.
func (s *Server) proxy(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "websocket connections are not proxied; connect to the orchestrator directly",
		})
		return
	}

	target := *s.upstream
	target.Path = strings.TrimSuffix(target.Path, "/") + "/" + chi.URLParam(r, "*")
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bad proxy request"})
		return
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("gateway upstream request failed", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Warn("gateway response copy failed", "path", r.URL.Path, "err", err)
	}
}

// cors applies a permissive CORS policy: the gateway fronts a public
// browser client and authentication happens per-request via bearer token.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept, X-Session-Id, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// measure records the proxy latency histogram per method and route.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.GatewayRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", r.URL.Path),
			),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
