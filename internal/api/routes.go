package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tibelf/comfyui-proxy/internal/middleware"
)

// SetupRoutes configures all API routes. An empty jwtSecret leaves the tasks
// API unauthenticated.
func SetupRoutes(handlers *Handlers, jwtSecret string) *gin.Engine {
	router := gin.Default()

	// Add CORS middleware
	router.Use(corsMiddleware())

	// Root service banner
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "ComfyUI Proxy Service",
			"version": "1.0.0",
		})
	})

	// Health check endpoint
	router.GET("/health", handlers.HealthHandler)

	tasks := router.Group("/tasks")
	if jwtSecret != "" {
		tasks.Use(middleware.JWTAuth(jwtSecret))
	}
	{
		tasks.POST("", handlers.CreateTaskHandler)
		tasks.GET("/:taskId", handlers.GetTaskHandler)
		tasks.DELETE("/:taskId", handlers.CancelTaskHandler)
	}

	return router
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
