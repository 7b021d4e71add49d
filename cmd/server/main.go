package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ignite/portal-intake/internal/api"
	"github.com/ignite/portal-intake/internal/bus"
	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/intake"
	"github.com/ignite/portal-intake/internal/ledger"
	"github.com/ignite/portal-intake/internal/listener"
	"github.com/ignite/portal-intake/internal/notify"
	"github.com/ignite/portal-intake/internal/pkg/distlock"
	"github.com/ignite/portal-intake/internal/pkg/logger"
	"github.com/ignite/portal-intake/internal/queue"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v\n"+
			"  Hint: run 'lsof -i :%s' to find the blocking process", addr, err, addr)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════╗")
	log.Println("║  Portal Intake Service (cmd/server/main.go)             ║")
	log.Println("║  Mailbox listeners, capacity ledger, operator dashboard ║")
	log.Println("╚════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Setup(cfg.LogLevel)

	if len(cfg.Intake.Mailboxes) == 0 {
		log.Fatalf("No mailboxes configured: set MAILBOXES (comma-separated) or MAILBOX")
	}
	if cfg.IMAP.User == "" || cfg.IMAP.Pass == "" {
		log.Fatalf("IMAP credentials missing: set EMAIL_USER and EMAIL_PASS")
	}

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: %s is available", addr)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir %s: %v", cfg.Storage.DataDir, err)
	}

	led := ledger.New(cfg.Storage.DataDir, cfg.Intake.DailyCapacity, cfg.BusinessDays.Predicate())
	log.Printf("Ledger loaded from %s (daily capacity %.0f words)", cfg.Storage.DataDir, cfg.Intake.DailyCapacity)

	// The accept-click queue rides Redis when configured so a standalone
	// worker can drain it; otherwise it stays in-process.
	var q queue.Queue
	var lease *distlock.Lease
	if cfg.Queue.RedisURL != "" {
		rq, err := queue.NewRedis(cfg.Queue.RedisURL, cfg.Queue.Key)
		if err != nil {
			log.Fatalf("Failed to set up Redis queue: %v", err)
		}
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rq.Ping(pingCtx); err != nil {
			log.Printf("Warning: Redis not reachable yet (%v), dispatch will retry", err)
		} else {
			// Two intake instances on the same mailboxes would race the
			// cursor files and double-accept offers.
			held, ok, err := distlock.Hold(pingCtx, rq.Client(), "intake:leader", 30*time.Second)
			switch {
			case err != nil:
				log.Printf("Warning: instance lease not confirmed: %v", err)
			case !ok:
				log.Fatalf("Another intake instance holds the mailbox lease; refusing to start")
			default:
				lease = held
			}
		}
		pingCancel()
		q = rq
		log.Printf("Dispatch queue: redis (%s)", cfg.Queue.Key)
	} else {
		q = queue.NewMemory(256)
		log.Println("Dispatch queue: in-memory")
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Alerts.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.Timeout())
		log.Println("Operator alerts: webhook configured")
	} else {
		log.Println("Operator alerts: disabled (no webhook URL)")
	}

	paused := new(atomic.Bool)

	// The status payload is assembled lazily; the fleet pointer is bound
	// below, before any client can connect.
	var fleet *listener.Fleet
	status := func() interface{} {
		completed, onHold := led.Counts()
		payload := map[string]interface{}{
			"paused":         paused.Load(),
			"completedCount": completed,
			"onHoldCount":    onHold,
			"remainingToday": led.Remaining(time.Now().Format("2006-01-02")),
		}
		if fleet != nil {
			payload["mailboxes"] = fleet.States()
			payload["health"] = fleet.Health()
		}
		if n, err := q.Len(context.Background()); err == nil {
			payload["queueLength"] = n
		}
		return payload
	}

	hub := bus.NewHub(paused, status, 30*time.Second)
	monitor := listener.NewHealthMonitor(cfg.Health, notifier)
	acceptor := intake.NewService(led, q, hub)

	dispatcher := intake.NewDispatcher(q, intake.NewHTTPClicker(30*time.Second), hub)
	dispatcher.Start()

	fleet = listener.NewFleet(cfg, listener.NewDialer(cfg.IMAP), acceptor, monitor, paused)
	fleet.Start()
	log.Printf("Listener fleet started for %d mailbox(es), backfill=%v",
		len(cfg.Intake.Mailboxes), cfg.Intake.AllowBackfill)

	server := api.NewServer(api.NewHandlers(led, hub, fleet, q))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting dashboard server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — intake is live")

	<-done
	log.Println("Shutting down...")

	// Listeners first so cursors persist, then the dispatcher drains, then
	// the dashboard goes away.
	fleet.Stop()
	dispatcher.Stop()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if lease != nil {
		if err := lease.Release(shutdownCtx); err != nil {
			log.Printf("Lease release error: %v", err)
		}
	}
	if err := q.Close(); err != nil {
		log.Printf("Queue close error: %v", err)
	}

	log.Println("Server stopped")
}
