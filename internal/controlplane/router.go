package controlplane

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/troikatech/voicebridge/pkg/apiclient"
	"github.com/troikatech/voicebridge/pkg/env"
	"github.com/troikatech/voicebridge/pkg/metrics"
	"github.com/troikatech/voicebridge/pkg/middleware"
	voicebridgeotel "github.com/troikatech/voicebridge/pkg/otel"
)

// NewRouter wires every route this process serves: health, metrics, the
// media bridge, and the call-admin endpoints (§4.H).
func NewRouter(cfg *env.Config, redisClient *redis.Client, api *apiclient.Client, registry *CallRegistry, archive archiveStore, sip SIPController) *gin.Engine {
	h := NewHandler(cfg, redisClient, api, registry, archive, sip)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.TraceMiddleware())
	if cfg.OTELEnabled {
		r.Use(voicebridgeotel.GinMiddleware())
	}

	corsCfg := cors.DefaultConfig()
	if cfg.CORSAllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	}
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Idempotency-Key")
	r.Use(cors.New(corsCfg))

	rateLimiter := middleware.NewRateLimiter(redisClient, cfg.APIRateLimitRPM)

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/ws/media", h.MediaWebSocket)

	apiGroup := r.Group("/api")
	apiGroup.Use(rateLimiter.Middleware())
	{
		calls := apiGroup.Group("/calls")
		calls.Use(middleware.IdempotencyMiddleware(redisClient))
		{
			calls.GET("", h.ListCalls)
			calls.POST("", middleware.AuthMiddleware(cfg.JWTSecret), h.CreateCall)
			calls.DELETE("/:id", middleware.AuthMiddleware(cfg.JWTSecret), h.HangupCall)
			calls.POST("/:id/transfer", middleware.AuthMiddleware(cfg.JWTSecret), h.TransferCall)
		}
	}

	return r
}
