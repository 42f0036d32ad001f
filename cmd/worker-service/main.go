package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cascadehq/conductor/internal/config"
	"github.com/cascadehq/conductor/internal/jobs"
	"github.com/cascadehq/conductor/internal/worker"
	"github.com/cascadehq/conductor/internal/worker/pull"
	"github.com/cascadehq/conductor/shared/logger"
	"github.com/cascadehq/conductor/shared/rabbitmq"
	"github.com/cascadehq/conductor/shared/redisbackend"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	// Initialize Redis result backend
	backend, err := redisbackend.NewClient(&redisbackend.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.ResultTTL,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer backend.Close()

	// Build the job method registry
	registry, err := initRegistry(&cfg.Pull, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job registry: %w", err)
	}

	// Create the runner
	runner, err := worker.NewRunner(cfg.Worker, rabbitClient, backend, registry, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	// Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx)
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRegistry builds the job method registry, wiring the pull
// strategies with the hardened HTTP session and the upload bucket.
func initRegistry(cfg *config.PullConfig, logger *slog.Logger) (*worker.Registry, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	session := pull.NewSession(cfg.DeniedHosts, timeout)

	var bucket *minio.Client
	if cfg.BucketEndpoint != "" {
		var err error
		bucket, err = minio.New(cfg.BucketEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.BucketAccessKey, cfg.BucketSecretKey, ""),
			Secure: cfg.BucketSecure,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket client: %w", err)
		}
	}

	pullRegistry := pull.NewDefaultRegistry(session, bucket, cfg.BucketName)

	registry := worker.NewRegistry()
	registry.Register(jobs.MethodPull, pull.NewJob(pullRegistry, logger))
	return registry, nil
}
