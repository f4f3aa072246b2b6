// Package api provides the HTTP surface of TicketPipe.
//
// It exposes the webhook endpoint that receives provider events, a
// health endpoint reporting per-dependency status, and read/admin
// endpoints for tickets and the known project set.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/session"
	"github.com/BTreeMap/TicketPipe/internal/store"
)

// Constants for API server configuration.
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultReadHeaderTimeout bounds request header reads.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultMaxBodyBytes caps webhook and admin request bodies.
	DefaultMaxBodyBytes = 1 << 20
	// DefaultHealthTimeout bounds dependency pings in the health check.
	DefaultHealthTimeout = 5 * time.Second
)

// WebhookIngester consumes a raw provider webhook body and emits the
// normalized interactions it contains.
type WebhookIngester interface {
	IngestWebhook(ctx context.Context, body []byte) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server is the TicketPipe HTTP server.
type Server struct {
	addr       string
	store      store.Store
	sessions   session.Store
	ingester   WebhookIngester
	httpServer *http.Server
}

// NewServer creates an API server. The ingester may be nil for
// transports that deliver events over a socket instead of a webhook;
// the webhook endpoint then responds 404.
func NewServer(st store.Store, sessions session.Store, ingester WebhookIngester, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("NewServer invoked", "addr", cfg.Addr, "webhook_enabled", ingester != nil)
	return &Server{
		addr:     cfg.Addr,
		store:    st,
		sessions: sessions,
		ingester: ingester,
	}
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/tickets", s.ticketsHandler)
	mux.HandleFunc("/projects", s.projectsHandler)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("Server starting", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server listener failed", "error", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("Server shutting down")
	return s.httpServer.Shutdown(ctx)
}
