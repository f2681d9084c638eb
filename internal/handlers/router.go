package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/dropin/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type middlewareFunc = func(http.Handler) http.Handler

const (
	apiPrefix         = "/api/v1"
	requestTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"

	groupDropIn   = "dropin"
	groupWebhooks = "webhooks"
)

// routeGroup is one mounted subtree under /api/v1. A group without a registrar answers 501 so a
// partially wired deployment fails loudly instead of 404ing.
type routeGroup struct {
	registrar   RouteRegistrar
	middlewares []middlewareFunc
}

type routerConfig struct {
	middlewares []middlewareFunc
	health      *HealthHandlers
	groups      map[string]*routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// NewRouter builds the HTTP surface: health probes at the root and the session and webhook groups
// under /api/v1.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		middlewares: []middlewareFunc{middleware.RequestID, middleware.RealIP, middleware.Timeout(requestTimeout)},
		groups: map[string]*routeGroup{
			groupDropIn:   {},
			groupWebhooks: {},
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	useAll(r, cfg.middlewares)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(apiPrefix, func(api chi.Router) {
		for _, name := range []string{groupDropIn, groupWebhooks} {
			group := cfg.groups[name]
			api.Route("/"+name, func(sub chi.Router) {
				useAll(sub, group.middlewares)
				if group.registrar == nil {
					registerNotImplemented(sub, name)
					return
				}
				group.registrar(sub)
			})
		}
	})
	return r
}

func useAll(r chi.Router, mws []middlewareFunc) {
	for _, mw := range mws {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// WithMiddlewares appends global middleware after the request id, real ip and timeout defaults.
func WithMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithDropInRoutes mounts the session endpoints under /api/v1/dropin.
func WithDropInRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[groupDropIn].registrar = reg
	}
}

// WithDropInMiddlewares wraps the session group, typically with the merchant credential check.
func WithDropInMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		group := cfg.groups[groupDropIn]
		group.middlewares = append(group.middlewares, mw...)
	}
}

// WithWebhookRoutes mounts PSP webhooks under /api/v1/webhooks. Webhooks authenticate by
// signature, so they never share the session group's credential middleware.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.groups[groupWebhooks].registrar = reg
	}
}

func WithWebhookMiddlewares(mw ...middlewareFunc) Option {
	return func(cfg *routerConfig) {
		group := cfg.groups[groupWebhooks]
		group.middlewares = append(group.middlewares, mw...)
	}
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", name+" routes are not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
