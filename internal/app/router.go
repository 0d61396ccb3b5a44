package app

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lastmile/internal/handler"
	"lastmile/internal/middleware"
)

// RouterDeps contains all dependencies needed for the router.
type RouterDeps struct {
	DeliveryHandler *handler.DeliveryHandler
	RiderHandler    *handler.RiderHandler
	EventsHandler   *handler.EventsHandler
	RedisClient     *redis.Client
	ResponseStore   middleware.ResponseStore // optional; defaults to Redis, or memory without it
	NewRelicApp     *newrelic.Application
	Gatherer        prometheus.Gatherer
	Logger          *zap.Logger
	OperatorToken   string
}

// NewRouter creates a new Gin router with all routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	// Global middleware.
	router.Use(ginzap.Ginzap(log, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(log, true))
	router.Use(middleware.CORSMiddleware())

	if deps.NewRelicApp != nil {
		router.Use(nrgin.Middleware(deps.NewRelicApp))
	}

	responses := deps.ResponseStore
	if responses == nil {
		if deps.RedisClient != nil {
			responses = middleware.NewRedisResponseStore(deps.RedisClient)
		} else {
			responses = middleware.NewMemoryResponseStore(nil)
		}
	}
	router.Use(middleware.IdempotencyMiddleware(responses))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes.
	v1 := router.Group("/v1")
	{
		deliveries := v1.Group("/deliveries")
		{
			deliveries.POST("", deps.DeliveryHandler.CreateDelivery)
			deliveries.GET("", deps.DeliveryHandler.ListDeliveries)
			deliveries.GET("/available", deps.DeliveryHandler.ListAvailable)
			deliveries.GET("/:id", deps.DeliveryHandler.GetDelivery)
			deliveries.POST("/:id/accept", deps.DeliveryHandler.AcceptDelivery)
			deliveries.POST("/:id/advance", middleware.OperatorOnly(deps.OperatorToken), deps.DeliveryHandler.AdvanceDelivery)
			deliveries.POST("/:id/cancel", deps.DeliveryHandler.CancelDelivery)
			deliveries.POST("/:id/payment", deps.DeliveryHandler.RecordPayment)
		}

		riders := v1.Group("/riders")
		{
			riders.POST("", deps.RiderHandler.RegisterRider)
			riders.GET("/:id", deps.RiderHandler.GetRider)
			riders.GET("/:id/deliveries", deps.RiderHandler.ListRiderDeliveries)
		}

		if deps.EventsHandler != nil {
			v1.GET("/events", deps.EventsHandler.Stream)
		}
	}

	return router
}
