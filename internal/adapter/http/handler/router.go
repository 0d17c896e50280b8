package handler

import (
	"webhook-delivery-engine/internal/adapter/http/middleware"
	redisStore "webhook-delivery-engine/internal/adapter/storage/redis"
	"webhook-delivery-engine/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	EventSvc       ports.EventService
	DeliverySvc    ports.DeliveryService
	DeadLetterSvc  ports.DeadLetterService
	TokenSvc       ports.TokenService
	RateLimitStore *redisStore.RateLimitStore // nil = rate limiting disabled
	HealthCheckers []ports.HealthChecker
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep, pings PostgreSQL + Redis)
	r.GET("/health", HealthCheck(deps.HealthCheckers...))

	// Swagger documentation
	swagger := r.Group("/swagger")
	{
		swagger.GET("", SwaggerUI)
		swagger.GET("/spec", SwaggerSpec)
	}

	rules := middleware.DefaultRateLimitRules()

	// Helper: return rate limiter middleware if store is available, else noop.
	rl := func(group string) gin.HandlerFunc {
		if deps.RateLimitStore == nil {
			return func(c *gin.Context) { c.Next() }
		}
		rule, ok := rules[group]
		if !ok {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimitStore, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(deps.TokenSvc, deps.Logger))

	eventHandler := NewEventHandler(deps.EventSvc)
	events := v1.Group("/events", rl("events"))
	{
		events.POST("", eventHandler.Enqueue)
		events.GET("/:id", eventHandler.Get)
		events.GET("/:id/summary", eventHandler.Summary)
	}

	deliveryHandler := NewDeliveryHandler(deps.DeliverySvc)
	deliveries := v1.Group("/deliveries", rl("deliveries"))
	{
		deliveries.POST("/claim", deliveryHandler.Claim)
		deliveries.POST("/:id/delivered", deliveryHandler.ReportDelivered)
		deliveries.POST("/:id/failed", deliveryHandler.ReportFailed)
	}

	// --- Operator routes ---
	operator := v1.Group("", rl("operator"))
	{
		operator.POST("/deliveries/sweep", deliveryHandler.Sweep)
		operator.GET("/deliveries/stats", deliveryHandler.Stats)
		operator.GET("/subscriptions/circuit-open", deliveryHandler.OpenCircuits)

		deadLetterHandler := NewDeadLetterHandler(deps.DeadLetterSvc)
		operator.GET("/dead-letters", deadLetterHandler.List)
		operator.DELETE("/dead-letters", deadLetterHandler.Purge)
		operator.GET("/dead-letters/count", deadLetterHandler.Count)
		operator.GET("/dead-letters/:dispatchId", deadLetterHandler.Get)
	}

	return r
}
