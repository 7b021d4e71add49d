// Package intake decides what happens to a parsed task offer: admit it
// against the capacity ledger and queue the accept click, record it for
// visibility when the portal put it on hold, or drop it.
package intake

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/bus"
	"github.com/ignite/portal-intake/internal/ledger"
	"github.com/ignite/portal-intake/internal/metrics"
	"github.com/ignite/portal-intake/internal/queue"
)

// Offer is one actionable task offer surfaced by a mailbox listener. An
// email carrying several accept links produces one Offer per link.
type Offer struct {
	Mailbox        string
	OrderID        string
	WorkflowName   string
	Status         string
	AmountWords    *float64
	PlannedEndDate string
	AcceptURL      string
}

// onHold reports whether the portal marked the offer as not yet acceptable.
func (o Offer) onHold() bool {
	return strings.EqualFold(strings.TrimSpace(o.Status), "on hold")
}

// Acceptor receives offers from the listener fleet. Implementations own
// their error handling; the fetch loop does not act on the return value.
type Acceptor interface {
	Accept(ctx context.Context, offer Offer) error
}

// Broadcaster pushes events to dashboard clients. Satisfied by *bus.Hub.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// Service is the ledger-backed Acceptor. Admitted offers are committed to
// the ledger and handed to the dispatch queue; on-hold offers are recorded
// without touching capacity.
type Service struct {
	ledger *ledger.Ledger
	queue  queue.Queue
	hub    Broadcaster
}

// NewService wires the admission pipeline.
func NewService(l *ledger.Ledger, q queue.Queue, hub Broadcaster) *Service {
	return &Service{ledger: l, queue: q, hub: hub}
}

// Accept runs the admission decision for one offer.
func (s *Service) Accept(ctx context.Context, offer Offer) error {
	logger := log.WithFields(log.Fields{
		"mailbox": offer.Mailbox,
		"order":   offer.OrderID,
		"status":  offer.Status,
	})

	switch {
	case offer.AcceptURL != "" && !offer.onHold():
		return s.admit(ctx, offer, logger)

	case offer.AcceptURL == "" && offer.onHold():
		s.recordOnHold(offer, logger)
		return nil

	default:
		logger.Debug("intake: offer not actionable, dropped")
		metrics.MessagesProcessed.WithLabelValues(offer.Mailbox, "dropped").Inc()
		return nil
	}
}

func (s *Service) admit(ctx context.Context, offer Offer, logger *log.Entry) error {
	if offer.AmountWords == nil {
		logger.Warn("intake: offer has no word amount, dropped")
		metrics.MessagesProcessed.WithLabelValues(offer.Mailbox, "incomplete").Inc()
		return errors.New("offer has no word amount")
	}
	amount := *offer.AmountWords

	plan, err := s.ledger.Allocate(amount, offer.PlannedEndDate)
	if err != nil {
		logger.WithFields(log.Fields{"words": amount, "deadline": offer.PlannedEndDate, "error": err}).
			Info("intake: offer rejected")
		metrics.MessagesProcessed.WithLabelValues(offer.Mailbox, "rejected").Inc()
		return err
	}

	s.ledger.Record(ledger.Task{
		OrderID:        offer.OrderID,
		WorkflowName:   offer.WorkflowName,
		Status:         ledger.StatusAccepted,
		AmountWords:    amount,
		PlannedEndDate: offer.PlannedEndDate,
		AllocationPlan: plan,
	})

	metrics.MessagesProcessed.WithLabelValues(offer.Mailbox, "accepted").Inc()
	metrics.TasksAccepted.Inc()
	metrics.WordsAllocated.Add(amount)

	for _, p := range plan {
		s.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": p.Date})
	}

	logger.WithFields(log.Fields{"words": amount, "days": len(plan)}).
		Info("intake: offer accepted")

	job := queue.NewJob(offer.OrderID, offer.WorkflowName, amount,
		offer.PlannedEndDate, offer.AcceptURL, plan)
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The allocation stands; the operator sees the task and can click
		// the accept link by hand.
		logger.WithField("error", err).Error("intake: dispatch enqueue failed")
		metrics.AcceptDispatches.WithLabelValues("enqueue_failed").Inc()
		return err
	}

	if n, err := s.queue.Len(ctx); err == nil {
		s.hub.Broadcast(bus.EventQueueUpdated, map[string]int{"length": n})
	}
	return nil
}

func (s *Service) recordOnHold(offer Offer, logger *log.Entry) {
	var amount float64
	if offer.AmountWords != nil {
		amount = *offer.AmountWords
	}
	s.ledger.Record(ledger.Task{
		OrderID:        offer.OrderID,
		WorkflowName:   offer.WorkflowName,
		Status:         ledger.StatusOnHold,
		AmountWords:    amount,
		PlannedEndDate: offer.PlannedEndDate,
	})

	completed, onHold := s.ledger.Counts()
	s.hub.Broadcast(bus.EventTasksUpdated, map[string]int{
		"completedCount": completed,
		"onHoldCount":    onHold,
	})

	metrics.MessagesProcessed.WithLabelValues(offer.Mailbox, "on_hold").Inc()
	logger.Info("intake: on-hold offer recorded")
}
