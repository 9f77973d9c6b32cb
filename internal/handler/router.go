package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter builds the gin engine with the relay routes.
func SetupRouter(messages *MessagesHandler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/v1/messages", messages.HandleMessages)

	return router
}
