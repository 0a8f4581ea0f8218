package router

import (
	"github.com/gin-gonic/gin"
	"github.com/user/screenings/internal/handler"
	"github.com/user/screenings/internal/middleware"
)

// RegisterRoutes 注册所有路由
func RegisterRoutes(r *gin.Engine, h *handler.Handler) {
	// 健康检查
	r.GET("/health", h.Health)

	// ==================== 运维接口 ====================
	api := r.Group("/api")
	api.Use(middleware.RequireOpsToken(h.Config.AppSecret))
	{
		api.GET("/runs/latest", h.LatestRun)
		api.GET("/stats", h.Stats)
		api.POST("/ingest", h.TriggerIngest)
		api.POST("/festivals/sweep", h.TriggerSweep)
		api.POST("/festivals/watchdog", h.TriggerWatchdog)
	}
}
