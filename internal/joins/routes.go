package joins

import "github.com/gin-gonic/gin"

func SetupRoutes(r *gin.RouterGroup, handler *Handler) {
	r.POST("/:phone", handler.Join)
	r.POST("/:phone/preview", handler.Preview)
}
