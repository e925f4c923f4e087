package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/TheRebzu/ecodeli-sub018/internal/api"
	"github.com/TheRebzu/ecodeli-sub018/internal/config"
	"github.com/TheRebzu/ecodeli-sub018/internal/events"
	"github.com/TheRebzu/ecodeli-sub018/internal/gateway"
	"github.com/TheRebzu/ecodeli-sub018/internal/notify"
	"github.com/TheRebzu/ecodeli-sub018/internal/repository"
	"github.com/TheRebzu/ecodeli-sub018/internal/service"
	"github.com/TheRebzu/ecodeli-sub018/internal/telemetry"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize telemetry
	if err := telemetry.InitTelemetry("escrow-engine"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Escrow Engine")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repository
	repo := repository.NewEscrowRepository(db)
	if err := repo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Connect to Redis (per-transaction transition locks)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})
	locker := service.NewRedisLocker(redisClient, 30*time.Second)

	// Connect to NATS (fire-and-forget notifications)
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	// Kafka writer for the escrow event stream
	kafkaWriter := events.NewWriter(cfg.KafkaBrokers)
	defer kafkaWriter.Close()

	eventLog := events.NewLog(repo, kafkaWriter)
	processor := gateway.NewHTTPGateway(cfg.ProcessorURL, cfg.Escrow.GatewayTimeout)
	notifier := notify.NewNATSNotifier(nc)

	// Initialize the escrow transaction manager
	manager := service.NewManager(repo, eventLog, processor, locker, notifier, cfg.Escrow, nil)

	// Start the auto-release sweep
	schedulerCtx, stopScheduler := context.WithCancel(context.Background())
	defer stopScheduler()
	scheduler := service.NewScheduler(repo, manager, cfg.Escrow.SweepInterval)
	go scheduler.Run(schedulerCtx)

	// Setup HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.NewRouter(manager),
	}

	// Start server in goroutine
	go func() {
		telemetry.Logger.Info("Escrow Engine starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	stopScheduler()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
