package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/lumenbio/biograph-backend/internal/http/handlers"
	httpMW "github.com/lumenbio/biograph-backend/internal/http/middleware"
	"github.com/lumenbio/biograph-backend/internal/platform/envutil"
	"github.com/lumenbio/biograph-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	ExploreHandler   *httpH.ExploreHandler
	OverviewHandler  *httpH.OverviewHandler
	DeepThinkHandler *httpH.DeepThinkHandler
	SnapshotHandler  *httpH.SnapshotHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if envutil.Bool("OTEL_ENABLED", false) {
		r.Use(otelgin.Middleware(envutil.String("OTEL_SERVICE_NAME", "biograph-backend")))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Graph exploration
		if cfg.ExploreHandler != nil {
			api.POST("/query", cfg.ExploreHandler.Query)
			api.POST("/expand", cfg.ExploreHandler.Expand)
		}

		// Selection overview (SSE)
		if cfg.OverviewHandler != nil {
			api.POST("/overview/stream", cfg.OverviewHandler.Stream)
			api.GET("/overview/verify", cfg.OverviewHandler.Verify)
		}

		// Deep think (SSE)
		if cfg.DeepThinkHandler != nil {
			api.POST("/deep-think/stream", cfg.DeepThinkHandler.Stream)
			api.POST("/deep-think/chat/stream", cfg.DeepThinkHandler.ChatStream)
		}

		// Shareable snapshots
		if cfg.SnapshotHandler != nil {
			api.POST("/graph/snapshot", cfg.SnapshotHandler.Create)
			api.GET("/graph/snapshot/:id", cfg.SnapshotHandler.Get)
		}
	}

	return r
}
