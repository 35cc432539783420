package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mamadbah2/farmsync/internal/metrics"
	"github.com/mamadbah2/farmsync/internal/server/handlers"
)

// New wires the Gin engine with required routes and middlewares.
func New(h *handlers.Handler, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(zapLoggerMiddleware(logger))

	r.GET("/healthz", h.Health)
	if m != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	flocks := r.Group("/flocks")
	flocks.POST("", h.CreateFlock)
	flocks.GET("", h.ListFlocks)
	flocks.GET("/:id", h.GetFlock)
	flocks.PUT("/:id", h.UpdateFlock)
	flocks.DELETE("/:id", h.DeleteFlock)
	flocks.POST("/:id/parents", h.AddParent)
	flocks.DELETE("/:id/parents/:kind", h.RemoveParent)
	flocks.GET("/:id/ancestors", h.Ancestors)
	flocks.GET("/:id/descendants", h.Descendants)
	flocks.POST("/:id/health", h.CreateHealthRecord)
	flocks.GET("/:id/health", h.ListHealthRecords)
	flocks.POST("/:id/production", h.CreateProductionRecord)
	flocks.GET("/:id/production", h.ListProductionRecords)

	r.PUT("/health/:id", h.UpdateHealthRecord)
	r.DELETE("/health/:id", h.DeleteHealthRecord)
	r.PUT("/production/:id", h.UpdateProductionRecord)
	r.DELETE("/production/:id", h.DeleteProductionRecord)

	r.POST("/readings/:kind", h.IngestReading)

	devices := r.Group("/devices")
	devices.GET("", h.ListDevices)
	devices.GET("/:id/history", h.History)
	devices.POST("/:id/history/export", h.ExportHistory)
	devices.PUT("/:id/config", h.PutDeviceConfig)
	devices.GET("/:id/config", h.GetDeviceConfig)

	r.GET("/alerts", h.ListAlerts)
	r.GET("/alerts/stream", h.AlertStream)
	r.POST("/alerts/:id/ack", h.AcknowledgeAlert)

	r.GET("/sync/status", h.SyncStatus)
	r.POST("/sync/push", h.SyncPush)
	r.POST("/sync/pull", h.SyncPull)

	if logger != nil {
		logger.Info("router initialized")
	}

	return r
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
