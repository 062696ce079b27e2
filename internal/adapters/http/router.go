package http

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

const (
	roleService = "service"
	roleAdmin   = "admin"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler is the HTTP adapter for the referral click and confirmation flows.
type Handler struct {
	service  *application.Service
	verifier ports.TokenVerifier
	checks   map[string]ReadinessCheck

	// trustedProxyHops is how many X-Forwarded-For entries, counted from the
	// right, were appended by our own proxies.
	trustedProxyHops int
}

type Option func(*Handler)

// WithReadinessCheck adds a named dependency check to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

// WithTrustedProxyHops sets how many reverse proxies sit in front of the
// service. Zero means the peer address is the client.
func WithTrustedProxyHops(hops int) Option {
	return func(h *Handler) { h.trustedProxyHops = max(0, hops) }
}

// NewHandler binds the HTTP adapter to the service. A nil verifier closes
// every internal route.
func NewHandler(service *application.Service, verifier ports.TokenVerifier, opts ...Option) *Handler {
	h := &Handler{service: service, verifier: verifier, checks: map[string]ReadinessCheck{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/referral/v1", func(r chi.Router) {
		r.Get("/platforms", handler.listPlatforms)
		r.Post("/codes/{code}/visits", handler.recordVisit)
		r.Post("/codes/{code}/confirm", handler.confirmReward)
	})

	r.Route("/internal/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(handler.requireRole(roleService, roleAdmin))
			r.Post("/identity-events", handler.recordIdentityEvent)
		})
		r.Group(func(r chi.Router) {
			r.Use(handler.requireRole(roleAdmin))
			r.Get("/policy", handler.currentPolicy)
			r.Post("/identity-history/purge", handler.purgeIdentityHistory)
		})
	})

	return r
}
