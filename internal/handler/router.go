package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(settlementService SettlementService) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(settlementService)

	api := r.Group("/api/v1")
	{
		s := api.Group("/settlement")
		{
			s.POST("/begin", h.Begin)
			s.GET("/current", h.Current)
			s.POST("/fix", h.Fix)
			s.POST("/cancel", h.Cancel)
			s.POST("/error/restore", h.ErrorRestore)
			s.POST("/error/cancel", h.ErrorCancel)
			s.GET("/detail", h.Detail)
			s.GET("/list", h.List)
		}

		api.GET("/device/status", h.DeviceStatus)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
