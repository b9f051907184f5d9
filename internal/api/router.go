package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sinparty/esf-settlement/internal/api/handler"
	"github.com/sinparty/esf-settlement/internal/api/middleware"
	"github.com/sinparty/esf-settlement/internal/api/spec"
	"github.com/sinparty/esf-settlement/internal/holds"
	"github.com/sinparty/esf-settlement/internal/identity"
	"github.com/sinparty/esf-settlement/internal/ledger"
	"github.com/sinparty/esf-settlement/internal/settlement"
	"go.uber.org/zap"
)

// Router wires the partner-facing settlement endpoints, the internal ops
// surface and the operational plumbing onto one chi mux.
type Router struct {
	engine *settlement.Engine
	users  identity.Resolver
	ledger ledger.Ledger
	holds  holds.Store

	db     *pgxpool.Pool
	redis  redis.Cmdable
	logger *zap.Logger

	env        string
	partnerRPS int
	opsRPS     int
}

func NewRouter(
	engine *settlement.Engine,
	users identity.Resolver,
	led ledger.Ledger,
	holdStore holds.Store,
	db *pgxpool.Pool,
	redisClient redis.Cmdable,
	logger *zap.Logger,
	env string,
	partnerRPS, opsRPS int,
) *Router {
	return &Router{
		engine:     engine,
		users:      users,
		ledger:     led,
		holds:      holdStore,
		db:         db,
		redis:      redisClient,
		logger:     logger,
		env:        env,
		partnerRPS: partnerRPS,
		opsRPS:     opsRPS,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	partnerHandler := handler.NewPartnerHandler(api.engine, api.env)
	opsHandler := handler.NewOpsHandler(api.users, api.ledger, api.holds)
	healthHandler := handler.NewHealthHandler(api.db, api.redis)

	// Partner routes. Authentication is IP-allowlist at the edge, so the
	// app level only rate limits.
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.partnerRPS))

		r.Post("/esf/verify", partnerHandler.Verify)
		r.Post("/esf/preauthorize", partnerHandler.Preauthorize)
		r.Post("/esf/remove-preauthorize", partnerHandler.RemovePreauthorize)
		r.Post("/esf/collect", partnerHandler.Collect)
	})

	// Internal support routes.
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.RequireRole("admin"))
		r.Use(middleware.AuthRateLimiter(api.opsRPS))

		r.Get("/v1/ops/users/{id}/balance", opsHandler.GetBalance)
		r.Get("/v1/ops/users/{id}/movements", opsHandler.GetMovements)
		r.Get("/v1/ops/users/{id}/holds", opsHandler.GetHolds)
	})

	// Operational plumbing.
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/openapi.yaml", spec.OpenAPIHandler())

	return r
}
