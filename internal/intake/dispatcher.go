package intake

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/bus"
	"github.com/ignite/portal-intake/internal/metrics"
	"github.com/ignite/portal-intake/internal/pkg/httpretry"
	"github.com/ignite/portal-intake/internal/queue"
)

// Clicker performs the accept click for one dispatched job. The production
// implementation drives a browser-automation layer; it owns its own retry
// budget.
type Clicker interface {
	Click(ctx context.Context, job queue.Job) error
}

// HTTPClicker hits the accept URL directly. The portal treats the GET the
// same as a browser click.
type HTTPClicker struct {
	httpClient httpretry.HTTPDoer
}

// NewHTTPClicker creates a clicker with a retrying HTTP client.
func NewHTTPClicker(timeout time.Duration) *HTTPClicker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClicker{
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (c *HTTPClicker) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Click performs the accept request.
func (c *HTTPClicker) Click(ctx context.Context, job queue.Job) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.AcceptURL, nil)
	if err != nil {
		return fmt.Errorf("creating accept request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("accept request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("portal returned status %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher drains the dispatch queue and clicks each job's accept link.
// The hub may be nil when the dispatcher runs outside the server process.
type Dispatcher struct {
	queue   queue.Queue
	clicker Clicker
	hub     Broadcaster

	// Stats
	totalDispatched int64
	totalFailed     int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewDispatcher creates a dispatcher over the given queue and clicker.
func NewDispatcher(q queue.Queue, clicker Clicker, hub Broadcaster) *Dispatcher {
	return &Dispatcher{queue: q, clicker: clicker, hub: hub}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	log.Info("dispatcher: starting")
	d.wg.Add(1)
	go d.loop()
}

// Stop waits for the in-flight click to finish and shuts the loop down.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	log.WithFields(log.Fields{
		"dispatched": atomic.LoadInt64(&d.totalDispatched),
		"failed":     atomic.LoadInt64(&d.totalFailed),
	}).Info("dispatcher: stopped")
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"dispatched": atomic.LoadInt64(&d.totalDispatched),
		"failed":     atomic.LoadInt64(&d.totalFailed),
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		job, err := d.queue.Dequeue(d.ctx)
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			log.WithField("error", err).Error("dispatcher: dequeue failed")
			select {
			case <-time.After(time.Second):
				continue
			case <-d.ctx.Done():
				return
			}
		}

		logger := log.WithFields(log.Fields{"job": job.ID, "order": job.OrderID})
		if err := d.clicker.Click(d.ctx, job); err != nil {
			atomic.AddInt64(&d.totalFailed, 1)
			metrics.AcceptDispatches.WithLabelValues("failed").Inc()
			logger.WithField("error", err).Error("dispatcher: accept click failed")
		} else {
			atomic.AddInt64(&d.totalDispatched, 1)
			metrics.AcceptDispatches.WithLabelValues("dispatched").Inc()
			logger.Info("dispatcher: accept click done")
		}

		if d.hub != nil {
			if n, err := d.queue.Len(d.ctx); err == nil {
				d.hub.Broadcast(bus.EventQueueUpdated, map[string]int{"length": n})
			}
		}
	}
}
