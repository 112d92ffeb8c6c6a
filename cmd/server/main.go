package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tibelf/comfyui-proxy/internal/api"
	"github.com/tibelf/comfyui-proxy/internal/config"
	"github.com/tibelf/comfyui-proxy/internal/database"
	"github.com/tibelf/comfyui-proxy/internal/services"
	"github.com/tibelf/comfyui-proxy/internal/validation"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize MongoDB task store
	mongoClient, err := database.NewMongoDBClient(cfg.MongoDB)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer mongoClient.Close()

	// Initialize clients
	comfyClient := services.NewComfyUIClient(cfg.ComfyUI.HTTPURL(), cfg.ComfyUI.WSURL())
	feishuClient := services.NewFeishuClient(cfg.Feishu.BaseURL, cfg.Feishu.AppID, cfg.Feishu.AppSecret)

	// Pick the completion-wait strategy
	var waiter services.CompletionWaiter
	switch cfg.ComfyUI.WaitStrategy {
	case "push":
		waiter = services.NewPushWaiter(comfyClient.WSSubscribeURL(), comfyClient, cfg.ComfyUI.WaitTimeout)
	default:
		waiter = services.NewPollWaiter(comfyClient, services.DefaultPollInterval, cfg.ComfyUI.WaitTimeout)
	}
	log.Printf("Using %s completion-wait strategy (budget %s)", cfg.ComfyUI.WaitStrategy, cfg.ComfyUI.WaitTimeout)

	// Optional artifact archive
	var archive *services.ArchiveService
	if cfg.S3.Bucket != "" {
		archive, err = services.NewArchiveService(&cfg.S3)
		if err != nil {
			log.Fatalf("Failed to initialize S3 archive: %v", err)
		}
		log.Printf("Artifact archiving enabled (bucket %s)", cfg.S3.Bucket)
	} else {
		log.Printf("S3 not configured, artifact archiving disabled")
	}

	// Optional task metrics
	var metrics *services.MetricsService
	if cfg.InfluxDB.URL != "" {
		metrics, err = services.NewMetricsService(cfg.InfluxDB.URL, cfg.InfluxDB.Token, cfg.InfluxDB.Org, cfg.InfluxDB.Bucket)
		if err != nil {
			log.Printf("WARNING: Failed to connect to InfluxDB (task metrics disabled): %v", err)
			metrics = nil
		} else {
			defer metrics.Close()
		}
	} else {
		log.Printf("InfluxDB not configured, task metrics disabled")
	}

	// Initialize services
	taskService := services.NewTaskService(mongoClient)
	dispatcher := services.NewDispatcher(taskService, comfyClient, waiter, feishuClient, archive, metrics, cfg.Worker.PollInterval)
	dispatcher.Start()
	defer dispatcher.Stop()

	// Optional retention sweeper for terminal tasks
	var retention *services.RetentionService
	if cfg.Retention.Schedule != "" {
		retention = services.NewRetentionService(mongoClient, cfg.Retention.Schedule, cfg.Retention.MaxAge)
		if err := retention.Start(); err != nil {
			log.Fatalf("Failed to start retention sweeper: %v", err)
		}
		defer retention.Stop()
	} else {
		log.Printf("Retention schedule not configured, terminal tasks are kept indefinitely")
	}

	// Load the task submission schema
	validator, err := validation.NewTaskValidator("schemas/task_request_schema.json")
	if err != nil {
		log.Fatalf("Failed to load task request schema: %v", err)
	}

	// Initialize handlers and routes
	handlers := api.NewHandlers(taskService, comfyClient, validator)
	router := api.SetupRoutes(handlers, cfg.JWT.Secret)

	// Setup graceful shutdown
	setupGracefulShutdown(dispatcher, retention, mongoClient, metrics)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupGracefulShutdown handles cleanup on application termination
func setupGracefulShutdown(dispatcher *services.Dispatcher, retention *services.RetentionService, mongoClient *database.MongoDBClient, metrics *services.MetricsService) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down gracefully...")
		dispatcher.Stop()
		if retention != nil {
			retention.Stop()
		}
		if metrics != nil {
			metrics.Close()
		}
		mongoClient.Close()
		os.Exit(0)
	}()
}
