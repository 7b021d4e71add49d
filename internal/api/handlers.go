package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/bus"
	"github.com/ignite/portal-intake/internal/ledger"
	"github.com/ignite/portal-intake/internal/listener"
	"github.com/ignite/portal-intake/internal/pkg/httputil"
	"github.com/ignite/portal-intake/internal/queue"
)

const dateLayout = "2006-01-02"

// Handlers serves the operator API over the ledger, the dashboard hub and
// the listener fleet.
type Handlers struct {
	ledger *ledger.Ledger
	hub    *bus.Hub
	fleet  *listener.Fleet
	queue  queue.Queue
}

// NewHandlers wires the operator endpoints to their collaborators.
func NewHandlers(l *ledger.Ledger, hub *bus.Hub, fleet *listener.Fleet, q queue.Queue) *Handlers {
	return &Handlers{ledger: l, hub: hub, fleet: fleet, queue: q}
}

func validDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// HealthCheck reports process liveness plus a condensed fleet view.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	queueLen := -1
	if n, err := h.queue.Len(r.Context()); err == nil {
		queueLen = n
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now(),
		"paused":      h.hub.Paused(),
		"mailboxes":   h.fleet.States(),
		"clients":     h.hub.ClientCount(),
		"queueLength": queueLen,
	})
}

// GetOverrides returns the per-date override map.
func (h *Handlers) GetOverrides(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.ledger.Overrides())
}

// SetOverrides applies a batch of per-date capacity overrides. A null value
// clears the date's override. Validation runs before any mutation so a 400
// never leaves partial state.
func (h *Handlers) SetOverrides(w http.ResponseWriter, r *http.Request) {
	var body map[string]*float64
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "malformed override payload")
		return
	}

	for date, v := range body {
		if !validDate(date) {
			httputil.Error(w, http.StatusBadRequest, "invalid date: "+date)
			return
		}
		if v != nil && *v < 0 {
			httputil.Error(w, http.StatusBadRequest, "capacity must not be negative: "+date)
			return
		}
	}

	user := r.Header.Get("X-Operator")
	for date, v := range body {
		var err error
		if v == nil {
			err = h.ledger.ClearOverride(date, user)
		} else {
			err = h.ledger.SetOverride(date, *v, user)
		}
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	for date := range body {
		h.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": date})
		h.hub.Broadcast(bus.EventWorkingHoursUpdated, map[string]string{"date": date})
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetCapacity returns the per-date allocation map.
func (h *Handlers) GetCapacity(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, h.ledger.Capacity())
}

// GetRemaining returns the unallocated words for one date.
func (h *Handlers) GetRemaining(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	if !validDate(date) {
		httputil.Error(w, http.StatusBadRequest, "invalid date: "+date)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]float64{"remaining": h.ledger.Remaining(date)})
}

// ResetCapacity clears every allocation. Overrides and task records stay.
func (h *Handlers) ResetCapacity(w http.ResponseWriter, r *http.Request) {
	h.ledger.Reset()
	log.WithField("operator", r.Header.Get("X-Operator")).Warn("api: capacity reset")
	h.hub.Broadcast(bus.EventCapacityUpdated, nil)
	httputil.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// SyncCapacity rebuilds the allocation map from the live task records.
func (h *Handlers) SyncCapacity(w http.ResponseWriter, r *http.Request) {
	res := h.ledger.SyncWithTasks()

	for date := range res.Diff {
		h.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": date})
	}
	for _, date := range res.DeletedOverrides {
		h.hub.Broadcast(bus.EventWorkingHoursUpdated, map[string]string{"date": date})
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"after":            res.After,
		"diff":             res.Diff,
		"deletedOverrides": res.DeletedOverrides,
	})
}

// Release gives back previously allocated words, entry by entry.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	var plan []ledger.PlanEntry
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		httputil.Error(w, http.StatusBadRequest, "release payload must be an array of {date, amount}")
		return
	}
	for _, p := range plan {
		if !validDate(p.Date) {
			httputil.Error(w, http.StatusBadRequest, "invalid date: "+p.Date)
			return
		}
	}

	if err := h.ledger.Release(plan); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	seen := map[string]bool{}
	for _, p := range plan {
		if seen[p.Date] {
			continue
		}
		seen[p.Date] = true
		h.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": p.Date})
	}
	httputil.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Adjust adds a signed word delta to one date's allocation.
func (h *Handlers) Adjust(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date   string   `json:"date"`
		Amount *float64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "malformed adjust payload")
		return
	}
	if body.Amount == nil {
		httputil.Error(w, http.StatusBadRequest, "amount is required")
		return
	}
	if !validDate(body.Date) {
		httputil.Error(w, http.StatusBadRequest, "invalid date: "+body.Date)
		return
	}

	if err := h.ledger.Adjust(body.Date, *body.Amount); err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	h.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": body.Date})
	httputil.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GetTasks lists the accepted-task records with a summary.
func (h *Handlers) GetTasks(w http.ResponseWriter, r *http.Request) {
	tasks, lastUpdated := h.ledger.Tasks()
	if tasks == nil {
		tasks = []ledger.Task{}
	}
	completed, onHold := h.ledger.Counts()

	var last interface{}
	if !lastUpdated.IsZero() {
		last = lastUpdated.Format(time.RFC3339)
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"summary": map[string]int{
			"completedCount": completed,
			"onHoldCount":    onHold,
		},
		"lastUpdated": last,
	})
}

// RefreshTasks re-reads the task file from disk and reconciles capacity
// against it. A reload failure is reported inline and the sync still runs
// over the in-memory records.
func (h *Handlers) RefreshTasks(w http.ResponseWriter, r *http.Request) {
	var errs []string
	loaded, err := h.ledger.ReloadTasks()
	if err != nil {
		errs = append(errs, err.Error())
		log.WithField("error", err).Error("api: task reload failed")
	}

	res := h.ledger.SyncWithTasks()
	completed, onHold := h.ledger.Counts()

	h.hub.Broadcast(bus.EventTasksUpdated, map[string]int{
		"completedCount": completed,
		"onHoldCount":    onHold,
	})
	for date := range res.Diff {
		h.hub.Broadcast(bus.EventCapacityUpdated, map[string]string{"date": date})
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"success":     len(errs) == 0,
		"tasksLoaded": loaded,
		"sync":        res,
		"errors":      errs,
	})
}

// Cleanup prunes stale capacity, overrides and plan entries: everything
// before today plus any explicitly listed dates.
func (h *Handlers) Cleanup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dates []string `json:"dates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "malformed cleanup payload")
		return
	}
	for _, d := range body.Dates {
		if !validDate(d) {
			httputil.Error(w, http.StatusBadRequest, "invalid date: "+d)
			return
		}
	}

	res := h.ledger.PruneBefore(body.Dates)
	completed, onHold := h.ledger.Counts()

	h.hub.Broadcast(bus.EventCapacityUpdated, nil)
	h.hub.Broadcast(bus.EventTasksUpdated, map[string]int{
		"completedCount": completed,
		"onHoldCount":    onHold,
	})
	httputil.JSON(w, http.StatusOK, res)
}

// GetAuditLog returns the append-only override mutation log.
func (h *Handlers) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	entries := h.ledger.AuditLog()
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	httputil.JSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
