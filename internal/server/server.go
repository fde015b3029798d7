// Package server exposes the wallet session, identity, publish and catalog
// operations to the browser UI as a JSON API.
package server

import (
	"context"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vidchain/vidchain/internal/catalog"
	"github.com/vidchain/vidchain/internal/httputil"
	"github.com/vidchain/vidchain/internal/identity"
	"github.com/vidchain/vidchain/internal/metrics"
	"github.com/vidchain/vidchain/internal/publish"
	"github.com/vidchain/vidchain/internal/ratelimit"
	"github.com/vidchain/vidchain/internal/validate"
	"github.com/vidchain/vidchain/internal/wallet"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Pinger         Pinger
	Wallet         *wallet.Manager
	Identity       *identity.Registrar
	Publisher      *publish.Publisher
	Feed           *catalog.Feed
	Metrics        *metrics.Metrics
	WebFS          fs.FS
	BaseURL        string
	GatewayURL     string
	MaxUploadBytes int64
}

type Server struct {
	router         chi.Router
	pinger         Pinger
	wallet         *wallet.Manager
	identity       *identity.Registrar
	publisher      *publish.Publisher
	feed           *catalog.Feed
	metrics        *metrics.Metrics
	webFS          fs.FS
	gatewayURL     string
	maxUploadBytes int64
	limiters       []*ratelimit.Limiter
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(cfg.Metrics))
	r.Use(securityHeaders(SecurityConfig{
		BaseURL:    cfg.BaseURL,
		GatewayURL: cfg.GatewayURL,
	}))

	s := &Server{
		router:         r,
		pinger:         cfg.Pinger,
		wallet:         cfg.Wallet,
		identity:       cfg.Identity,
		publisher:      cfg.Publisher,
		feed:           cfg.Feed,
		metrics:        cfg.Metrics,
		webFS:          cfg.WebFS,
		gatewayURL:     cfg.GatewayURL,
		maxUploadBytes: cfg.MaxUploadBytes,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	for _, l := range s.limiters {
		l.Close()
	}
}

func (s *Server) newLimiter(rps float64, burst int) *ratelimit.Limiter {
	l := ratelimit.NewLimiter(rps, burst)
	s.limiters = append(s.limiters, l)
	return l
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/limits", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, validate.FieldLimits())
	})

	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	if s.wallet != nil {
		s.router.Route("/api/session", func(r chi.Router) {
			r.Post("/", s.handleConnect)
			r.Get("/", s.handleSession)
			r.Delete("/", s.handleDisconnect)
		})
	}

	if s.wallet != nil && s.identity != nil {
		identityLimiter := s.newLimiter(0.5, 5)
		s.router.Get("/api/identity", s.handleCheckIdentity)
		s.router.With(identityLimiter.Middleware).Post("/api/identity", s.handleResolveIdentity)
	}

	canPublish := s.wallet != nil && s.publisher != nil
	var publishLimiter *ratelimit.Limiter
	if canPublish {
		publishLimiter = s.newLimiter(0.5, 5)
	}

	if s.feed != nil || canPublish {
		s.router.Route("/api/videos", func(r chi.Router) {
			if s.feed != nil {
				r.Get("/", s.handleListVideos)
				r.Get("/search", s.handleSearchVideos)
				if s.wallet != nil {
					r.Get("/mine", s.handleMyVideos)
				}
			}
			if canPublish {
				r.With(publishLimiter.Middleware).Post("/", s.handlePublish)
			}
		})
	}

	if canPublish {
		s.router.Route("/api/uploads", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.With(publishLimiter.Middleware).Post("/{hash}/commit", s.handleCommitPending)
		})
	}

	if s.webFS != nil {
		spa := newSPAFileServer(s.webFS)
		s.router.NotFound(spa.ServeHTTP)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"database unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
