package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"the-digital-vault/internal/config"
	"the-digital-vault/internal/logger"
	"the-digital-vault/internal/metrics"
	"the-digital-vault/internal/service"
)

// HealthReporter reports database health, as database.Service does.
type HealthReporter interface {
	Health(ctx context.Context) map[string]string
}

// Pinger exposes a dependency health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	Metrics    *metrics.Vault
	Gatherer   prometheus.Gatherer
	Reconciler service.ReconcileService
	Access     service.AccessService
	Orders     service.OrderService
	DB         HealthReporter
	Redis      Pinger
}

// Server is the HTTP API.
type Server struct {
	cfg        *config.Config
	logg       *logger.Logger
	metrics    *metrics.Vault
	reconciler service.ReconcileService
	access     service.AccessService
	orders     service.OrderService
	db         HealthReporter
	redis      Pinger
	router     *gin.Engine
}

func NewServer(deps Deps) *Server {
	logg := deps.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	s := &Server{
		cfg:        deps.Config,
		logg:       logg,
		metrics:    deps.Metrics,
		reconciler: deps.Reconciler,
		access:     deps.Access,
		orders:     deps.Orders,
		db:         deps.DB,
		redis:      deps.Redis,
	}

	router := gin.New()
	router.Use(requestID(logg), accessLog(logg), recovery(logg))
	router.Use(cors.New(corsConfig(deps.Config.App.AllowedOrigins)))

	router.GET("/health", s.handleHealth)
	router.GET("/health/deep", s.handleDeepHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/payment", s.handleWebhook)
		webhooks.POST("/midtrans", s.handleWebhook)
	}

	router.GET("/access/:tokenId", s.handleResolve)
	router.GET("/access/:tokenId/status", s.handleTokenStatus)

	admin := router.Group("/", s.requireAdmin)
	{
		admin.POST("/access/:tokenId/revoke", s.handleRevoke)
		admin.GET("/customers/:email/tokens", s.handleCustomerTokens)
		admin.POST("/orders", s.handleCreateOrder)
		admin.GET("/orders/:orderId", s.handleGetOrder)
		admin.GET("/orders/:orderId/payments", s.handleOrderPayments)
		admin.GET("/orders/:orderId/tokens", s.handleOrderTokens)
	}

	s.router = router
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", requestIDHeader, adminKeyHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}
