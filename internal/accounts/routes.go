package accounts

import "github.com/gin-gonic/gin"

func SetupRoutes(r *gin.RouterGroup, handler *Handler) {
	r.GET("", handler.List)
	r.POST("/check", handler.Check)
	r.DELETE("/:phone", handler.Remove)
	r.POST("/:phone/enable", handler.Enable)
	r.POST("/:phone/disable", handler.Disable)
	r.GET("/:phone/chats", handler.Chats)
	r.POST("/:phone/message-access", handler.MessageAccess)
}
