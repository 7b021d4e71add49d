package listener

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/intake"
	"github.com/ignite/portal-intake/internal/uidstore"
)

// Fleet runs one listener per configured mailbox against a shared pause
// gate and health monitor.
type Fleet struct {
	listeners map[string]*Listener
	monitor   *HealthMonitor
}

// NewFleet builds the per-mailbox listeners. Each gets its own UID store
// under the configured data directory.
func NewFleet(cfg *config.Config, dial Dialer, acceptor intake.Acceptor, monitor *HealthMonitor, paused *atomic.Bool) *Fleet {
	f := &Fleet{
		listeners: make(map[string]*Listener, len(cfg.Intake.Mailboxes)),
		monitor:   monitor,
	}
	for _, mailbox := range cfg.Intake.Mailboxes {
		if _, dup := f.listeners[mailbox]; dup {
			log.WithField("mailbox", mailbox).Warn("fleet: duplicate mailbox ignored")
			continue
		}
		f.listeners[mailbox] = New(Options{
			Mailbox:  mailbox,
			Dial:     dial,
			Store:    uidstore.Open(cfg.Storage.DataDir, mailbox),
			Acceptor: acceptor,
			Paused:   paused,
			Monitor:  monitor,
			Backfill: cfg.Intake.AllowBackfill,
			Retry:    cfg.Listener,
			Health:   cfg.Health,
		})
	}
	return f
}

// Start launches every listener.
func (f *Fleet) Start() {
	for _, l := range f.listeners {
		l.Start()
	}
	log.WithField("mailboxes", len(f.listeners)).Info("fleet: started")
}

// Stop shuts the listeners down in parallel and waits for all of them.
func (f *Fleet) Stop() {
	var wg sync.WaitGroup
	for _, l := range f.listeners {
		wg.Add(1)
		go func(l *Listener) {
			defer wg.Done()
			l.Stop()
		}(l)
	}
	wg.Wait()
	log.Info("fleet: stopped")
}

// States reports each mailbox's lifecycle state for the status feed.
func (f *Fleet) States() map[string]string {
	out := make(map[string]string, len(f.listeners))
	for mailbox, l := range f.listeners {
		out[mailbox] = l.State().String()
	}
	return out
}

// Health reports per-mailbox connection health for the status feed.
func (f *Fleet) Health() map[string]MailboxHealth {
	return f.monitor.Snapshot()
}

// Stats aggregates per-mailbox counters.
func (f *Fleet) Stats() map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(f.listeners))
	for mailbox, l := range f.listeners {
		out[mailbox] = l.Stats()
	}
	return out
}
