package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"examsync/config"
	"examsync/internal/realtime"
	"examsync/internal/service"
	"examsync/internal/store/mongodb"
	"examsync/internal/transport/redischan"
	"examsync/internal/transport/rest"
	"examsync/internal/transport/ws"
)

func main() {
	log.Println("started")
	ctx := context.Background()

	cfg := config.Load()

	// MongoDB connection
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer mongoClient.Disconnect(ctx)

	// Ping MongoDB
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, nil); err != nil {
		log.Fatal("Failed to ping MongoDB:", err)
	}
	log.Println("Connected to MongoDB")

	db := mongoClient.Database(cfg.MongoDB)

	// Redis connection
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	defer rdb.Close()

	// Ping Redis
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		log.Fatal("Failed to ping Redis:", err)
	}
	log.Println("Connected to Redis")

	// Initialize store and transport
	sessionStore := mongodb.NewSessionStore(db)
	channelTransport := redischan.New(rdb)

	// Initialize the sync engine
	engineCfg := realtime.DefaultConfig()
	engineCfg.SyncInterval = cfg.SyncInterval
	engineCfg.HeartbeatInterval = cfg.HeartbeatInterval
	engineCfg.MaxRetryAttempts = cfg.MaxRetryAttempts
	engineCfg.OfflineSupport = cfg.OfflineSupport

	engine := realtime.New(engineCfg, channelTransport, sessionStore)
	engine.Start()
	log.Println("Sync engine started")

	// Initialize services and WebSocket hub
	authSvc := service.NewAuthService()
	wsHub := ws.NewHub(engine)

	// Create router with container
	container := &rest.Container{
		AuthService: authSvc,
		Engine:      engine,
		WSHub:       wsHub,
	}

	router := rest.NewRouter(container)

	// Start server
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		log.Printf("Server starting on :%s", cfg.HTTPPort)
		log.Println("Endpoints:")
		log.Println("  POST /v1/auth/login")
		log.Println("  GET  /v1/metrics")
		log.Println("  GET  /v1/sessions/{id}/presence")
		log.Println("  GET  /v1/collisions")
		log.Println("  GET  /health")
		log.Println("  GET  /metrics")
		log.Println("  WS   /v1/ws/sessions/{id}")
		log.Println("  WS   /v1/ws/users/{id}")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("ListenAndServe:", err)
		}
	}()

	// Wait for interrupt
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	wsHub.CloseAll()
	engine.Close()

	log.Println("Server exited")
}
