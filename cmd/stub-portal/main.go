package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// click is one recorded accept request.
type click struct {
	TaskID     string    `json:"taskId"`
	Command    string    `json:"command"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type clickLog struct {
	mu     sync.Mutex
	clicks []click
}

func (c *clickLog) add(taskID, command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clicks = append(c.clicks, click{TaskID: taskID, Command: command, ReceivedAt: time.Now()})
}

func (c *clickLog) all() []click {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]click, len(c.clicks))
	copy(out, c.clicks)
	return out
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  WARNING: This is a STUB portal for local testing ONLY.   ║")
	log.Println("║  Every task is accepted; nothing is persisted.            ║")
	log.Println("║                                                           ║")
	log.Println("║  Point the dispatcher at it by rewriting accept links to  ║")
	log.Println("║  this host, then watch GET /clicks.                       ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")
	log.Println("")
	log.Println("Starting stub portal (hardcoded responses)...")

	// STUB_FAIL_RATE answers that percentage of accept requests with a 500
	// so the dispatcher's retry path can be exercised locally.
	failRate := envInt("STUB_FAIL_RATE", 0)
	latency := time.Duration(envInt("STUB_LATENCY_MS", 0)) * time.Millisecond

	clicks := &clickLog{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"stub-portal","warning":"THIS IS A STUB - every task is accepted"}`))
	})

	mux.HandleFunc("GET /Task/{id}/detail/notification", func(w http.ResponseWriter, r *http.Request) {
		if latency > 0 {
			time.Sleep(latency)
		}

		command := r.URL.Query().Get("command")
		if command != "Accept" {
			http.Error(w, "unknown command", http.StatusBadRequest)
			return
		}

		if failRate > 0 && rand.Intn(100) < failRate {
			log.Printf("injected failure for task %s", r.PathValue("id"))
			http.Error(w, "portal temporarily unavailable", http.StatusInternalServerError)
			return
		}

		taskID := r.PathValue("id")
		clicks.add(taskID, command)
		log.Printf("accepted task %s (%d clicks so far)", taskID, len(clicks.all()))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><h1>Task accepted</h1><p>Task ` + taskID + ` has been assigned to you.</p></body></html>`))
	})

	mux.HandleFunc("GET /clicks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"clicks": clicks.all(),
			"total":  len(clicks.all()),
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8085"
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      identityMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Stub portal listening on :%s (fail rate %d%%, latency %s)", port, failRate, latency)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down stub portal...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Stub portal stopped")
}

func identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Server-Identity", "stub-portal")
		w.Header().Set("X-Server-Warning", "STUB - every task is accepted")
		next.ServeHTTP(w, r)
	})
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", key, raw)
	}
	return v
}
