package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/intake"
	"github.com/ignite/portal-intake/internal/pkg/logger"
	"github.com/ignite/portal-intake/internal/queue"
)

// The accept worker drains the shared Redis queue and clicks accept links.
// Running it separately from the server keeps portal round-trips off the
// listener path and lets several workers share the click load.
func main() {
	log.Println("Starting Portal Intake accept worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Setup(cfg.LogLevel)

	// Without Redis the server clicks accepts in-process and there is
	// nothing for a standalone worker to drain.
	if cfg.Queue.RedisURL == "" {
		log.Fatalf("REDIS_URL is not set: the standalone worker needs the shared queue")
	}

	q, err := queue.NewRedis(cfg.Queue.RedisURL, cfg.Queue.Key)
	if err != nil {
		log.Fatalf("Failed to set up Redis queue: %v", err)
	}
	defer q.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = q.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Printf("Connected to Redis queue %q", cfg.Queue.Key)

	dispatcher := intake.NewDispatcher(q, intake.NewHTTPClicker(30*time.Second), nil)
	dispatcher.Start()
	log.Println("Worker running, draining accept queue...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	dispatcher.Stop()
	log.Println("Worker stopped")
}
