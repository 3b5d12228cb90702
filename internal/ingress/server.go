package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"perpexec/internal/config"
	"perpexec/internal/events"
)

const (
	shutdownTimeout = 10 * time.Second
	eventBuffer     = 256

	// Idle rate-limit visitors are swept so the map cannot grow without
	// bound under churning client IPs.
	visitorTTL    = 10 * time.Minute
	sweepInterval = time.Minute
)

// Server runs the authenticated signal webhook, the operator control
// endpoints, and the WebSocket event stream on one listener.
type Server struct {
	cfg       config.ServerConfig
	bus       *events.Bus
	hub       *Hub
	handlers  *Handlers
	server    *http.Server
	general   *Limiter
	sensitive *Limiter
	logger    *slog.Logger
}

// NewServer wires the HTTP surface. Close and flatten get the tighter
// sensitive-path rate limit; everything else shares the general one.
func NewServer(cfg config.Config, deps Deps, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg.Server,
		bus:       bus,
		hub:       NewHub(logger),
		general:   NewLimiter(cfg.Limits.PerIPPerMin, cfg.Limits.Burst),
		sensitive: NewLimiter(cfg.Limits.SensitivePerMin, cfg.Limits.Burst),
		logger:    logger.With("component", "ingress-server"),
	}
	s.handlers = NewHandlers(deps, NewVerifier(cfg.Auth), s.hub, cfg.Book.MaxAge, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.limited(s.general, s.handlers.HandleWebhook))
	mux.HandleFunc("GET /health", s.limited(s.general, s.handlers.HandleHealth))
	mux.HandleFunc("GET /positions", s.limited(s.general, s.handlers.HandlePositions))
	mux.HandleFunc("POST /close", s.limited(s.sensitive, s.handlers.HandleClose))
	mux.HandleFunc("POST /flatten", s.limited(s.sensitive, s.handlers.HandleFlatten))
	mux.HandleFunc("GET /history", s.limited(s.general, s.handlers.HandleHistory))
	mux.HandleFunc("GET /performance", s.limited(s.general, s.handlers.HandlePerformance))
	mux.HandleFunc("GET /market", s.limited(s.general, s.handlers.HandleMarket))
	mux.HandleFunc("GET /ws/events", s.limited(s.general, s.handlers.HandleEvents))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Run serves until ctx is canceled, then drains connections gracefully. The
// event hub and its bus subscription share the server's lifetime.
func (s *Server) Run(ctx context.Context) error {
	ch, unsubscribe := s.bus.Subscribe(eventBuffer)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.hub.Run(ctx) })
	g.Go(func() error { return s.hub.Consume(ctx, ch) })
	g.Go(func() error { return s.serve(ctx) })
	g.Go(func() error { return s.sweepVisitors(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()
	s.logger.Info("ingress listening", "addr", s.server.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("ingress server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("ingress shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Server) sweepVisitors(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.general.Sweep(visitorTTL)
			s.sensitive.Sweep(visitorTTL)
		}
	}
}

// limited wraps a handler with a per-IP rate limiter. Rejections carry
// Retry-After and a machine-readable code.
func (s *Server) limited(l *Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			retry := l.RetryAfter()
			s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(errorResponse{Error: "rate limit exceeded", Code: "RATE_LIMITED"})
			return
		}
		next(w, r)
	}
}

// clientIP extracts the originating IP, trusting the first X-Forwarded-For
// entry when a proxy set one.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
