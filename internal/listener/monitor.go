package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/metrics"
	"github.com/ignite/portal-intake/internal/notify"
)

// maxReconnectHistory bounds the per-mailbox reconnect log.
const maxReconnectHistory = 500

// MailboxHealth is a point-in-time view of one mailbox's connection health.
type MailboxHealth struct {
	RecentReconnects    int       `json:"recentReconnects"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheckOK         bool      `json:"lastCheckOk"`
	LastCheckAt         time.Time `json:"lastCheckAt"`
}

// HealthMonitor tracks reconnects and health-check outcomes across the
// fleet and raises operator alerts when a mailbox looks unstable.
type HealthMonitor struct {
	mu         sync.Mutex
	cfg        config.HealthConfig
	notifier   notify.Notifier
	reconnects map[string][]time.Time
	lastAlert  map[string]time.Time
	failures   map[string]int
	lastCheck  map[string]MailboxHealth
	now        func() time.Time
}

// NewHealthMonitor wires a monitor to the given notifier. A nil notifier
// downgrades alerts to log lines.
func NewHealthMonitor(cfg config.HealthConfig, notifier notify.Notifier) *HealthMonitor {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &HealthMonitor{
		cfg:        cfg,
		notifier:   notifier,
		reconnects: make(map[string][]time.Time),
		lastAlert:  make(map[string]time.Time),
		failures:   make(map[string]int),
		lastCheck:  make(map[string]MailboxHealth),
		now:        time.Now,
	}
}

// SetClock overrides the monitor's notion of now. Tests only.
func (m *HealthMonitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// RecordReconnect logs one reconnect for the mailbox and alerts when the
// count inside the alert window crosses the storm threshold. At most one
// storm alert per mailbox fires per window.
func (m *HealthMonitor) RecordReconnect(mailbox string) {
	metrics.ListenerReconnects.WithLabelValues(mailbox).Inc()

	m.mu.Lock()
	now := m.now()
	history := m.pruneLocked(mailbox, now)
	history = append(history, now)
	if len(history) > maxReconnectHistory {
		history = history[len(history)-maxReconnectHistory:]
	}
	m.reconnects[mailbox] = history

	count := len(history)
	storm := m.cfg.ReconnectAlertThreshold > 0 &&
		count >= m.cfg.ReconnectAlertThreshold &&
		now.Sub(m.lastAlert[mailbox]) >= m.cfg.AlertWindow()
	if storm {
		m.lastAlert[mailbox] = now
	}
	m.mu.Unlock()

	if storm {
		m.alert("Mailbox connection unstable",
			fmt.Sprintf("%s reconnected %d times in the last %s", mailbox, count, m.cfg.AlertWindow()))
	}
}

// RecordHealthCheck feeds one no-op probe result into the monitor. A
// success resets the consecutive-failure counter; every Nth consecutive
// failure raises an alert.
func (m *HealthMonitor) RecordHealthCheck(mailbox string, healthy bool, cause error) {
	m.mu.Lock()
	now := m.now()
	if healthy {
		m.failures[mailbox] = 0
	} else {
		m.failures[mailbox]++
	}
	count := m.failures[mailbox]
	m.lastCheck[mailbox] = MailboxHealth{
		RecentReconnects:    len(m.reconnects[mailbox]),
		ConsecutiveFailures: count,
		LastCheckOK:         healthy,
		LastCheckAt:         now,
	}
	m.mu.Unlock()

	if healthy {
		return
	}
	metrics.HealthCheckFailures.WithLabelValues(mailbox).Inc()
	log.WithFields(log.Fields{"mailbox": mailbox, "consecutive": count, "error": cause}).Warn("listener: health check failed")
	if m.cfg.ConsecutiveFailureThreshold > 0 && count%m.cfg.ConsecutiveFailureThreshold == 0 {
		m.alert("Mailbox health checks failing",
			fmt.Sprintf("%s failed %d consecutive health checks, last error: %v", mailbox, count, cause))
	}
}

// Snapshot returns per-mailbox health for the status feed.
func (m *HealthMonitor) Snapshot() map[string]MailboxHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make(map[string]MailboxHealth, len(m.lastCheck))
	for mailbox := range m.reconnects {
		h := m.lastCheck[mailbox]
		h.RecentReconnects = len(m.pruneLocked(mailbox, now))
		h.ConsecutiveFailures = m.failures[mailbox]
		out[mailbox] = h
	}
	for mailbox, h := range m.lastCheck {
		if _, ok := out[mailbox]; !ok {
			out[mailbox] = h
		}
	}
	return out
}

// pruneLocked drops history entries older than the alert window. Callers
// hold mu.
func (m *HealthMonitor) pruneLocked(mailbox string, now time.Time) []time.Time {
	history := m.reconnects[mailbox]
	cutoff := now.Add(-m.cfg.AlertWindow())
	kept := history[:0]
	for _, t := range history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.reconnects[mailbox] = kept
	return kept
}

func (m *HealthMonitor) alert(title, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.notifier.Alert(ctx, title, message); err != nil {
		log.WithFields(log.Fields{"title": title, "error": err}).Error("listener: alert delivery failed")
	}
}
