package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/liliang-cn/askgen/internal/api"
	"github.com/liliang-cn/askgen/internal/config"
	"github.com/liliang-cn/askgen/internal/logging"
	"github.com/liliang-cn/askgen/internal/repository"
	"github.com/liliang-cn/askgen/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the generation backend",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Initialize repositories
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	// Initialize generator
	var generator service.Generator = &service.EchoGenerator{Delay: cfg.Generation.TokenDelay}
	if cfg.Generation.Generator == "rago" {
		rago, err := service.NewRagoGenerator(cfg.LLM, cfg.RAG, logger)
		if err != nil {
			logger.Warn("Failed to initialize rago generator, falling back to echo", zap.Error(err))
		} else {
			defer rago.Close()
			generator = rago
		}
	}

	// Initialize services
	generationService := service.NewGenerationService(
		cfg.Generation,
		conversationRepo,
		messageRepo,
		generator,
		logger,
	)
	if err := generationService.Start(cmd.Context()); err != nil {
		return err
	}

	// Setup router
	router := api.SetupRouter(generationService, api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
		Generation:   cfg.Generation,
		Logger:       logger,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting AskGen server",
			zap.String("address", cfg.Address()),
			zap.String("base_url", cfg.Server.BaseURL),
			zap.Int("workers", cfg.Generation.Workers),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-serveErr:
		generationService.Shutdown(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := generationService.Shutdown(ctx); err != nil {
		logger.Warn("Generations cancelled at shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
	return nil
}
