package httpapi

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

// NewRouter builds the gin.Engine serving every route in §6, with the
// teacher's gin.Default() base (request logging + panic recovery) and an
// rs/cors middleware in place of the teacher's hand-rolled header-setting
// CORS func, configured from CORS_ALLOWED_ORIGINS.
func NewRouter(s *Server) *gin.Engine {
	router := gin.Default()
	router.Use(corsMiddleware(s.cfg.CORSAllowedOrigins))
	router.Use(s.metrics.Middleware())

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.metrics.Handler())
	router.GET("/v1/models", s.handleModels)
	router.POST("/v1/messages", s.handleMessages)
	router.POST("/v1/messages/count_tokens", s.handleCountTokens)
	router.POST("/stop", s.handleStop)

	return router
}

func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	origins := []string{"*"}
	if allowedOrigins != "" {
		parts := strings.Split(allowedOrigins, ",")
		origins = origins[:0]
		for _, p := range parts {
			origins = append(origins, strings.TrimSpace(p))
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "x-api-key", "anthropic-version"},
		AllowCredentials: true,
	})

	return func(c2 *gin.Context) {
		c.HandlerFunc(c2.Writer, c2.Request)
		if c2.Request.Method == "OPTIONS" {
			c2.AbortWithStatus(204)
			return
		}
		c2.Next()
	}
}
