package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/api/conversation"
	"github.com/liliang-cn/askgen/internal/api/middleware"
	"github.com/liliang-cn/askgen/internal/api/stream"
	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/logging"
	"github.com/liliang-cn/askgen/internal/service"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIKey       string
	AllowOrigins []string
	Generation   config.GenerationConfig
	Logger       *zap.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(generationService *service.GenerationService, cfg RouterConfig) *gin.Engine {
	log := logging.OrNop(cfg.Logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(log))

	// CORS middleware
	r.Use(middleware.CORS(cfg.AllowOrigins))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := middleware.Auth(cfg.APIKey)

	// Conversation API
	conversationHandler := conversation.NewHandler(generationService)
	apiGroup := r.Group("/api")
	apiGroup.Use(auth)
	conversationHandler.RegisterRoutes(apiGroup)

	// Push channel
	streamHandler := stream.NewHandler(generationService, cfg.Generation, log)
	wsGroup := r.Group("/ws")
	wsGroup.Use(auth)
	streamHandler.RegisterRoutes(wsGroup)

	return r
}
