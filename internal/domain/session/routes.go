package session

import "github.com/gin-gonic/gin"

// RegisterRoutes registers the chunked upload protocol. None of these routes
// require a token; the session id is the capability.
func RegisterRoutes(r *gin.RouterGroup, h *Handler) {
	sessions := r.Group("/uploads/sessions")
	{
		sessions.POST("", h.Create)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Abort)
		sessions.PUT("/:id/chunks/:index", h.PutChunk)
		sessions.POST("/:id/finalize", h.Finalize)
		sessions.GET("/:id/ws", h.Watch)
	}
}
