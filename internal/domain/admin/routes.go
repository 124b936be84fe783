package admin

import "github.com/gin-gonic/gin"

func RegisterRoutes(r *gin.RouterGroup, h *Handler, requireAdmin gin.HandlerFunc) {
	admin := r.Group("/admin")
	{
		admin.POST("/login", h.Login)
		admin.GET("/me", requireAdmin, h.Me)
	}
}
