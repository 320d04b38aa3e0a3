package jobs

import "github.com/gin-gonic/gin"

func SetupRoutes(r *gin.RouterGroup, handler *Handler) {
	r.GET("/:client/:phone", handler.Get)
	r.PUT("/:client/:phone", handler.Save)
	r.POST("/:client/:phone/run", handler.Run)
}
