package listener

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/intake"
	"github.com/ignite/portal-intake/internal/metrics"
	"github.com/ignite/portal-intake/internal/parser"
	"github.com/ignite/portal-intake/internal/pkg/retry"
	"github.com/ignite/portal-intake/internal/uidstore"
)

// State is one listener's position in the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateFetching
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFetching:
		return "fetching"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Backoff returns the reconnect delay for the given 1-based attempt,
// growing by half each attempt and capped at max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(1.5, float64(attempt-1))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Options wires one listener to its mailbox and collaborators.
type Options struct {
	Mailbox  string
	Dial     Dialer
	Store    *uidstore.Store
	Acceptor intake.Acceptor
	Paused   *atomic.Bool
	Monitor  *HealthMonitor
	Backfill bool
	Retry    config.ListenerConfig
	Health   config.HealthConfig
}

// Listener owns a single mailbox: one connection, one UID cursor, one
// fetch loop. It reconnects itself with bounded backoff and hands parsed
// offers to the acceptor.
type Listener struct {
	mailbox   string
	dial      Dialer
	store     *uidstore.Store
	acceptor  intake.Acceptor
	paused    *atomic.Bool
	monitor   *HealthMonitor
	backfill  bool
	retryCfg  config.ListenerConfig
	healthCfg config.HealthConfig

	state    atomic.Int32
	fetching atomic.Bool

	// lastHealthCheck is only touched from the run goroutine.
	lastHealthCheck time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	messagesSeen      int64
	duplicatesSkipped int64
	parseErrors       int64
	offersDispatched  int64
	batches           int64
}

// New builds a listener. It does not connect until Start.
func New(opts Options) *Listener {
	l := &Listener{
		mailbox:   opts.Mailbox,
		dial:      opts.Dial,
		store:     opts.Store,
		acceptor:  opts.Acceptor,
		paused:    opts.Paused,
		monitor:   opts.Monitor,
		backfill:  opts.Backfill,
		retryCfg:  opts.Retry,
		healthCfg: opts.Health,
	}
	if l.paused == nil {
		l.paused = new(atomic.Bool)
	}
	if l.monitor == nil {
		l.monitor = NewHealthMonitor(config.HealthConfig{}, nil)
	}
	l.setState(StateDisconnected)
	return l
}

// Start launches the connection loop in the background.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	l.wg.Add(1)
	go l.run(ctx)
	log.WithField("mailbox", l.mailbox).Info("listener: started")
}

// Stop signals the listener and waits for the in-flight fetch and any
// pending acceptor dispatches to finish.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	l.setState(StateDisconnected)
	log.WithFields(log.Fields{
		"mailbox": l.mailbox,
		"stats":   l.Stats(),
	}).Info("listener: stopped")
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Stats returns cumulative counters for this listener.
func (l *Listener) Stats() map[string]int64 {
	return map[string]int64{
		"messages_seen":      atomic.LoadInt64(&l.messagesSeen),
		"duplicates_skipped": atomic.LoadInt64(&l.duplicatesSkipped),
		"parse_errors":       atomic.LoadInt64(&l.parseErrors),
		"offers_dispatched":  atomic.LoadInt64(&l.offersDispatched),
		"fetch_batches":      atomic.LoadInt64(&l.batches),
	}
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	metrics.ListenerState.WithLabelValues(l.mailbox).Set(float64(s))
}

func (l *Listener) run(ctx context.Context) {
	defer l.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		l.setState(StateConnecting)
		opened, err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		if opened {
			attempt = 0
		}

		attempt++
		l.monitor.RecordReconnect(l.mailbox)
		log.WithFields(log.Fields{
			"mailbox": l.mailbox,
			"attempt": attempt,
			"error":   err,
		}).Warn("listener: connection lost")

		if attempt > l.retryCfg.MaxRetries {
			l.setState(StateFailed)
			log.WithFields(log.Fields{
				"mailbox":  l.mailbox,
				"cooldown": l.retryCfg.FailedCooldown(),
			}).Error("listener: reconnect attempts exhausted, cooling down")
			if !sleepCtx(ctx, l.retryCfg.FailedCooldown()) {
				return
			}
			attempt = 0
			continue
		}

		l.setState(StateReconnecting)
		delay := Backoff(l.retryCfg.InitialDelay(), l.retryCfg.MaxDelay(), attempt)
		log.WithFields(log.Fields{
			"mailbox": l.mailbox,
			"attempt": attempt,
			"delay":   delay,
		}).Info("listener: reconnecting")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// connectAndServe runs one connection to completion. It reports whether
// the mailbox was successfully opened so the caller can reset the retry
// counter, and returns the error that ended the connection.
func (l *Listener) connectAndServe(ctx context.Context) (opened bool, err error) {
	conn, err := l.dial()
	if err != nil {
		return false, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	uidNext, err := conn.Select(l.mailbox)
	if err != nil {
		return false, fmt.Errorf("opening mailbox: %w", err)
	}
	l.primeCursor(uidNext)
	l.setState(StateOpen)
	log.WithFields(log.Fields{
		"mailbox":  l.mailbox,
		"uidNext":  uidNext,
		"lastSeen": l.store.LastSeen(),
	}).Info("listener: mailbox open")

	// Catch up on anything that arrived while disconnected.
	if err := l.fetchGate(ctx, conn); err != nil {
		return true, err
	}

	for {
		newMail, err := conn.Wait(ctx.Done())
		if ctx.Err() != nil {
			return true, nil
		}
		if err != nil {
			return true, fmt.Errorf("waiting for new mail: %w", err)
		}
		if !newMail {
			continue
		}
		if err := l.fetchGate(ctx, conn); err != nil {
			return true, err
		}
	}
}

// fetchGate applies the pause gate and retry wrapper around one batch.
func (l *Listener) fetchGate(ctx context.Context, conn Conn) error {
	if l.paused.Load() {
		log.WithField("mailbox", l.mailbox).Debug("listener: paused, notification ignored")
		return nil
	}
	l.setState(StateFetching)
	defer l.setState(StateOpen)

	err := retry.Do(ctx, l.retryCfg.FetchRetries, l.retryCfg.FetchRetryBase(), func() error {
		return l.fetchBatch(ctx, conn)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// fetchBatch pulls every UID past the cursor, parses the fresh ones, and
// advances the cursor only once the whole batch has been handled. An
// error aborts the batch without moving the cursor so the retry wrapper
// replays it.
func (l *Listener) fetchBatch(ctx context.Context, conn Conn) error {
	if !l.fetching.CompareAndSwap(false, true) {
		return nil
	}
	defer l.fetching.Store(false)

	l.maybeHealthCheck(conn)

	last := l.store.LastSeen()
	uids, err := conn.SearchAfter(last)
	if err != nil {
		return fmt.Errorf("searching after uid %d: %w", last, err)
	}
	if len(uids) == 0 {
		return nil
	}
	atomic.AddInt64(&l.batches, 1)

	maxUID := last
	fresh := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > maxUID {
			maxUID = uid
		}
		if l.store.Seen(uid) {
			atomic.AddInt64(&l.duplicatesSkipped, 1)
			metrics.MessagesProcessed.WithLabelValues(l.mailbox, "duplicate").Inc()
			continue
		}
		fresh = append(fresh, uid)
	}

	if len(fresh) > 0 {
		msgs, err := conn.Fetch(fresh)
		if err != nil {
			return fmt.Errorf("fetching %d messages: %w", len(fresh), err)
		}
		for i := range msgs {
			l.processMessage(ctx, msgs[i])
		}
	}

	l.store.SetLastSeen(maxUID)
	return nil
}

// processMessage parses one mail and hands the resulting offers to the
// acceptor. The UID is reserved up front: acceptance is eventual and a
// poison message must not wedge the mailbox.
func (l *Listener) processMessage(ctx context.Context, msg Message) {
	l.store.MarkSeen(msg.UID)
	atomic.AddInt64(&l.messagesSeen, 1)

	res, err := parser.Parse(parser.Input{
		Subject:         msg.Subject,
		TextBody:        msg.TextBody,
		HTMLBody:        msg.HTMLBody,
		ContentLanguage: msg.ContentLanguage,
	})
	if err != nil {
		atomic.AddInt64(&l.parseErrors, 1)
		metrics.MessagesProcessed.WithLabelValues(l.mailbox, "parse_error").Inc()
		log.WithFields(log.Fields{
			"mailbox": l.mailbox,
			"uid":     msg.UID,
			"error":   err,
		}).Warn("listener: unparseable message")
		return
	}

	logger := log.WithFields(log.Fields{
		"mailbox":  l.mailbox,
		"uid":      msg.UID,
		"order":    res.OrderID,
		"status":   res.Status,
		"language": res.Language,
	})

	offers := l.buildOffers(res)
	if len(offers) == 0 {
		metrics.MessagesProcessed.WithLabelValues(l.mailbox, "ignored").Inc()
		logger.Debug("listener: message carries no offer")
		return
	}
	metrics.MessagesProcessed.WithLabelValues(l.mailbox, "offer").Inc()
	logger.WithField("offers", len(offers)).Info("listener: task offer received")

	for _, offer := range offers {
		l.dispatch(ctx, offer)
	}
}

// buildOffers expands one parse result into acceptor calls: one per
// accept URL, or a single URL-less offer for an on-hold task.
func (l *Listener) buildOffers(res parser.Result) []intake.Offer {
	base := intake.Offer{
		Mailbox:        l.mailbox,
		OrderID:        res.OrderID,
		WorkflowName:   res.WorkflowName,
		Status:         res.Status,
		AmountWords:    res.AmountWords,
		PlannedEndDate: res.PlannedEndDate,
	}
	if len(res.AcceptURLs) == 0 {
		if res.OnHold() {
			return []intake.Offer{base}
		}
		return nil
	}
	offers := make([]intake.Offer, 0, len(res.AcceptURLs))
	for _, u := range res.AcceptURLs {
		o := base
		o.AcceptURL = u
		offers = append(offers, o)
	}
	return offers
}

// dispatch hands an offer to the acceptor off the fetch path so a slow
// admission decision never stalls the cursor.
func (l *Listener) dispatch(ctx context.Context, offer intake.Offer) {
	atomic.AddInt64(&l.offersDispatched, 1)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.acceptor.Accept(ctx, offer); err != nil {
			log.WithFields(log.Fields{
				"mailbox": l.mailbox,
				"order":   offer.OrderID,
				"error":   err,
			}).Warn("listener: offer not admitted")
		}
	}()
}

// maybeHealthCheck runs a no-op probe at most once per interval. The probe
// races a hard timeout; losing the race counts as a failure but never
// aborts the enclosing fetch.
func (l *Listener) maybeHealthCheck(conn Conn) {
	interval := l.healthCfg.CheckInterval()
	if interval <= 0 || time.Since(l.lastHealthCheck) < interval {
		return
	}
	l.lastHealthCheck = time.Now()

	result := make(chan error, 1)
	go func() { result <- conn.Noop() }()

	timer := time.NewTimer(l.healthCfg.CheckTimeout())
	defer timer.Stop()
	select {
	case err := <-result:
		l.monitor.RecordHealthCheck(l.mailbox, err == nil, err)
	case <-timer.C:
		// The stray no-op finishes into the buffered channel and is
		// dropped.
		l.monitor.RecordHealthCheck(l.mailbox, false,
			fmt.Errorf("no-op timed out after %s", l.healthCfg.CheckTimeout()))
	}
}

// primeCursor positions a brand-new cursor at the newest message so
// pre-existing mail is not replayed unless backfill is enabled.
func (l *Listener) primeCursor(uidNext uint32) {
	if l.backfill || uidNext == 0 {
		return
	}
	if l.store.LastSeen() > 0 || l.store.SeenCount() > 0 {
		return
	}
	l.store.SetLastSeen(uidNext - 1)
	log.WithFields(log.Fields{
		"mailbox": l.mailbox,
		"cursor":  uidNext - 1,
	}).Info("listener: cursor primed, historic mail skipped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
