package ingest

import "github.com/gin-gonic/gin"

// RegisterRoutes registers system, direct-upload and object routes. admin guards
// destructive operations.
func RegisterRoutes(r *gin.RouterGroup, h *Handler, admin gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/config", h.Config)
	r.GET("/stats", h.Stats)

	uploads := r.Group("/uploads")
	{
		uploads.POST("/plan", h.Plan)
		uploads.POST("/direct", h.RequestDirect)
	}

	objects := r.Group("/objects")
	{
		objects.GET("", h.List)
		objects.GET("/:key", h.Download)
		objects.GET("/:key/preview", h.Preview)
		if h.verifier != nil {
			objects.PUT("/:key", h.ReceiveDirect)
		}
		objects.DELETE("/:key", admin, h.Delete)
		objects.POST("/batch-delete", admin, h.BatchDelete)
	}

	r.POST("/admin/sweep", admin, h.Sweep)
	r.POST("/admin/clear-all", admin, h.ClearAll)
}
