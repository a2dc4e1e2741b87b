// Package api assembles the HTTP routers for the Dealscope service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dealscope/dealscope/pkg/auth"
	"github.com/dealscope/dealscope/pkg/config"
	"github.com/dealscope/dealscope/pkg/httputil"
	"github.com/dealscope/dealscope/pkg/middleware"
	"github.com/dealscope/dealscope/pkg/observability"
	"github.com/dealscope/dealscope/pkg/orgs"
	"github.com/dealscope/dealscope/pkg/sso"
)

// Server is the public API server
type Server struct {
	router *mux.Router
	logger *observability.Logger
}

// Dependencies are the services the API surface is built from
type Dependencies struct {
	SSOHandler *sso.Handler
	Tokens     *auth.TokenIssuer
	Orgs       orgs.Service
	Metrics    *observability.Metrics
}

// NewServer builds the API router with the full middleware chain
func NewServer(cfg *config.Config, logger *observability.Logger, deps Dependencies) *Server {
	router := mux.NewRouter()

	router.Use(httputil.RecoveryMiddleware(logger))
	router.Use(httputil.LoggingMiddleware(logger))
	router.Use(httputil.CORSMiddleware(cfg.Server.CORSOrigins))
	if cfg.Observability.MetricsEnabled {
		router.Use(deps.Metrics.Middleware)
	}
	if cfg.Observability.OTelEnabled {
		router.Use(func(next http.Handler) http.Handler {
			return otelhttp.NewHandler(next, "dealscope-api")
		})
	}

	deps.SSOHandler.RegisterPublicRoutes(router)

	admin := router.PathPrefix("/").Subrouter()
	admin.Use(middleware.Authenticate(deps.Tokens, logger))
	admin.Use(middleware.RequireOrgAdmin(deps.Orgs))
	deps.SSOHandler.RegisterAdminRoutes(admin)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	})

	return &Server{router: router, logger: logger}
}

// Router returns the assembled handler
func (s *Server) Router() http.Handler {
	return s.router
}
