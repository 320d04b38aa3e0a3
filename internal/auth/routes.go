package auth

import "github.com/gin-gonic/gin"

func SetupRoutes(r *gin.RouterGroup, handler *FlowHandler) {
	r.POST("/start", handler.Start)
	r.POST("/:flow/code", handler.Code)
	r.POST("/:flow/password", handler.Password)
	r.DELETE("/:flow", handler.Cancel)
}
