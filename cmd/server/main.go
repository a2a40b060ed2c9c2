package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/convertmaster-go/api"
	"github.com/yourusername/convertmaster-go/api/handlers"
	"github.com/yourusername/convertmaster-go/api/middleware"
	"github.com/yourusername/convertmaster-go/internal/app"
	"github.com/yourusername/convertmaster-go/internal/domain"
	"github.com/yourusername/convertmaster-go/internal/infrastructure"
	"github.com/yourusername/convertmaster-go/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "convertmaster-server",
		Short: "ConvertMaster server - download job orchestrator",
		Long:  `Runs the download orchestrator and its HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: search ./configs, ~/.convertmaster, /etc/convertmaster)")
	rootCmd.AddCommand(initConfigCmd)
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write the default configuration to a file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		home, _ := os.UserHomeDir()
		path := filepath.Join(home, ".convertmaster", "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}
		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Printf("Config written to %s\n", path)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      config.Logging.Level,
		Format:     config.Logging.Format,
		OutputPath: config.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Categorised job and error logs, readable through the logs API
	multiLog, err := logger.NewMultiLogger(logger.MultiLoggerConfig{
		Level:   config.Logging.Level,
		LogsDir: config.Logging.LogsDir,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize multi-logger: %w", err)
	}
	defer multiLog.Close()

	log.Info("Starting ConvertMaster server",
		zap.String("version", handlers.Version),
		zap.String("host", config.Server.Host),
		zap.Int("port", config.Server.Port),
		zap.Int("max_concurrent_jobs", config.Orchestrator.MaxConcurrentJobs))

	if config.Orchestrator.DefaultOutputDir != "" {
		if err := os.MkdirAll(config.Orchestrator.DefaultOutputDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	var repo domain.JobRepository
	if config.Storage.Enabled {
		sqliteRepo, err := infrastructure.NewSQLiteJobRepository(config.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer sqliteRepo.Close()
		repo = sqliteRepo
	}

	backend := infrastructure.NewYTDLPBackend(&config.Backend, multiLog)
	locators := domain.NewLocatorValidator(config.Orchestrator.AllowedPrefixes, config.Orchestrator.AllowedHosts)

	hub := handlers.NewEventHub(log)
	reporters := domain.FanoutReporter{
		infrastructure.NewLogReporter(log),
		hub,
	}
	if config.Notification.Enabled {
		reporters = append(reporters, infrastructure.NewNotificationService(&config.Notification, log))
	}

	var redisClient *redis.Client
	if config.Redis.Enabled {
		redisClient = infrastructure.NewRedisClient(&config.Redis)
		if err := infrastructure.PingRedis(context.Background(), redisClient, config.Redis.Timeout); err != nil {
			log.Warn("Redis unavailable, event publishing disabled", zap.String("addr", config.Redis.Addr), zap.Error(err))
			redisClient.Close()
			redisClient = nil
		} else {
			reporters = append(reporters, infrastructure.NewRedisReporter(redisClient, config.Redis.Channel, config.Redis.Timeout, log))
			log.Info("Publishing job events to Redis", zap.String("channel", config.Redis.Channel))
		}
	}

	orchestrator := app.NewOrchestrator(config.Orchestrator, app.OrchestratorDeps{
		Validator:   app.NewRequestValidator(backend, locators, config.Backend.ProbeTimeout, log),
		Runner:      app.NewRunner(backend, &config.Backend, log),
		Reporter:    reporters,
		Repository:  repo,
		MultiLogger: multiLog,
		Logger:      log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	var authorizer middleware.Authorizer
	if config.Auth.Enabled {
		authorizer = middleware.NewStaticTokenAuthorizer(config.Auth.Tokens)
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.SetupRouter(api.RouterConfig{
		Jobs:             orchestrator,
		Events:           hub,
		Authorizer:       authorizer,
		DefaultOutputDir: config.Orchestrator.DefaultOutputDir,
		LogsDir:          config.Logging.LogsDir,
		ErrorLog:         multiLog,
		Logger:           log,
	})

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		log.Error("HTTP server failed", zap.Error(err))
		runErr = err
	}

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Orchestrator before hub: cancellation events still reach connected clients
	if err := orchestrator.Stop(); err != nil {
		log.Error("Error stopping orchestrator", zap.Error(err))
	}
	hub.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Info("Server exited")
	return runErr
}
