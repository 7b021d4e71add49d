// Package ledger tracks word capacity per business day and plans accepted
// tasks across days. It is the single authority for admission decisions:
// a task is accepted only if its words fit into the remaining capacity of
// business days between today and the task's deadline.
//
// All state lives in memory and is mirrored to flat JSON files after every
// mutation. Persistence failures are logged, never raised; the in-memory
// state stays authoritative and the next successful write reconciles.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ignite/portal-intake/internal/metrics"
	"github.com/ignite/portal-intake/internal/pkg/atomicfile"
)

// dateKey is the canonical format for capacity map keys.
const dateKey = "2006-01-02"

var (
	// ErrInsufficientCapacity means the words could not be covered by the
	// remaining capacity of business days up to the deadline.
	ErrInsufficientCapacity = errors.New("insufficient capacity before deadline")

	// ErrMissingDeadline means allocate was called without a planned end date.
	ErrMissingDeadline = errors.New("missing planned end date")

	// ErrNegativeAmount means a mutation was called with a negative word count.
	ErrNegativeAmount = errors.New("amount must not be negative")
)

// PlanEntry reserves an amount of words on one date.
type PlanEntry struct {
	Date   string  `json:"date"`
	Amount float64 `json:"amount"`
}

// Task is a persisted accepted-task record. OnHold offers are recorded with
// an empty allocation plan for operator visibility.
type Task struct {
	OrderID        string      `json:"orderId"`
	WorkflowName   string      `json:"workflowName"`
	Status         string      `json:"status"`
	AmountWords    float64     `json:"amountWords"`
	PlannedEndDate string      `json:"plannedEndDate"`
	AllocationPlan []PlanEntry `json:"allocationPlan"`
	AcceptedAt     string      `json:"acceptedAt"`
}

// Task status values.
const (
	StatusAccepted = "accepted"
	StatusOnHold   = "on_hold"
)

// AuditEntry records one override mutation in the append-only capacity log.
type AuditEntry struct {
	Type      string  `json:"type"`
	Date      string  `json:"date"`
	Amount    float64 `json:"amount"`
	User      string  `json:"user"`
	Timestamp string  `json:"timestamp"`
}

// SyncResult reports the outcome of a capacity rebuild from live tasks.
type SyncResult struct {
	After            map[string]float64 `json:"after"`
	Diff             map[string]float64 `json:"diff"`
	DeletedOverrides []string           `json:"deletedOverrides"`
}

// PruneResult reports what a cleanup pass removed.
type PruneResult struct {
	Deleted            int `json:"deleted"`
	AllocationsRemoved int `json:"allocationsRemoved"`
	TasksRemoved       int `json:"tasksRemoved"`
}

// Ledger owns capacity, override and accepted-task state. All operations are
// serialized on one mutex so allocations never interleave.
type Ledger struct {
	mu            sync.Mutex
	dataDir       string
	defaultDaily  float64
	isBusinessDay func(time.Time) bool
	now           func() time.Time

	capacity map[string]float64 // date -> words used
	override map[string]float64 // date -> capacity replacing the baseline
	tasks    []Task
	auditLog []AuditEntry

	lastUpdated time.Time
}

// New loads (or initializes) a ledger rooted at dataDir. Unreadable state
// files log a warning and start empty rather than blocking startup.
func New(dataDir string, defaultDaily float64, isBusinessDay func(time.Time) bool) *Ledger {
	l := &Ledger{
		dataDir:       dataDir,
		defaultDaily:  defaultDaily,
		isBusinessDay: isBusinessDay,
		now:           time.Now,
		capacity:      make(map[string]float64),
		override:      make(map[string]float64),
	}

	l.loadFile("capacity.json", &l.capacity)
	l.loadFile("dailyOverride.json", &l.override)
	l.loadFile("acceptedTasks.json", &l.tasks)
	l.loadFile("capacityLog.json", &l.auditLog)

	return l
}

// SetClock replaces the ledger's notion of "now" (useful for testing).
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) loadFile(name string, v interface{}) {
	err := atomicfile.ReadJSON(filepath.Join(l.dataDir, name), v)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithFields(log.Fields{"file": name, "error": err}).
			Warn("ledger: state file unreadable, starting empty")
	}
}

func (l *Ledger) persist(name string, v interface{}) {
	if err := atomicfile.WriteJSON(filepath.Join(l.dataDir, name), v); err != nil {
		log.WithFields(log.Fields{"file": name, "error": err}).
			Error("ledger: persisting state failed")
	}
}

// today returns the current date truncated to midnight local time.
func (l *Ledger) today() time.Time {
	t := l.now()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func (l *Ledger) effectiveLocked(date string) float64 {
	if cap, ok := l.override[date]; ok {
		return cap
	}
	return l.defaultDaily
}

func (l *Ledger) remainingLocked(date string) float64 {
	return l.effectiveLocked(date) - l.capacity[date]
}

func (l *Ledger) updateGaugeLocked() {
	metrics.CapacityRemainingToday.Set(l.remainingLocked(l.today().Format(dateKey)))
}

// Remaining returns the unallocated words for a date (effective capacity
// minus allocations). Negative when an override undercuts prior allocations.
func (l *Ledger) Remaining(date string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(date)
}

// Capacity returns a copy of the per-date allocation map.
func (l *Ledger) Capacity() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.capacity))
	for k, v := range l.capacity {
		out[k] = v
	}
	return out
}

// Overrides returns a copy of the per-date override map.
func (l *Ledger) Overrides() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.override))
	for k, v := range l.override {
		out[k] = v
	}
	return out
}

// Tasks returns a copy of the accepted-task records and when they last changed.
func (l *Ledger) Tasks() ([]Task, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out, l.lastUpdated
}

// Counts returns the number of scheduled and on-hold task records.
func (l *Ledger) Counts() (completed, onHold int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tasks {
		switch t.Status {
		case StatusOnHold:
			onHold++
		default:
			completed++
		}
	}
	return completed, onHold
}

// Allocate plans amountWords across business days walking backward from the
// deadline, filling the latest day first so earlier days stay free for more
// urgent work. The plan is committed only if the full amount fits; otherwise
// no state changes and ErrInsufficientCapacity is returned.
func (l *Ledger) Allocate(amountWords float64, plannedEnd string) ([]PlanEntry, error) {
	if plannedEnd == "" {
		return nil, ErrMissingDeadline
	}
	if amountWords < 0 {
		return nil, ErrNegativeAmount
	}

	deadline, err := parseDeadline(plannedEnd)
	if err != nil {
		return nil, fmt.Errorf("parsing deadline %q: %w", plannedEnd, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.today()
	need := amountWords
	var plan []PlanEntry

	for d := deadline; !d.Before(today) && need > 0; d = d.AddDate(0, 0, -1) {
		if !l.isBusinessDay(d) {
			continue
		}
		date := d.Format(dateKey)
		free := l.remainingLocked(date)
		if free <= 0 {
			continue
		}
		take := need
		if free < take {
			take = free
		}
		plan = append(plan, PlanEntry{Date: date, Amount: take})
		need -= take
	}

	if need > 0 {
		return nil, ErrInsufficientCapacity
	}

	for _, p := range plan {
		l.capacity[p.Date] += p.Amount
	}
	l.persist("capacity.json", l.capacity)
	l.updateGaugeLocked()

	return plan, nil
}

// Record appends an accepted-task record and persists the task file.
func (l *Ledger) Record(task Task) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if task.AcceptedAt == "" {
		task.AcceptedAt = l.now().Format(time.RFC3339)
	}
	l.tasks = append(l.tasks, task)
	l.lastUpdated = l.now()
	l.persist("acceptedTasks.json", l.tasks)
}

// Release gives back previously reserved words, clamping each date at zero.
func (l *Ledger) Release(plan []PlanEntry) error {
	for _, p := range plan {
		if p.Amount < 0 {
			return ErrNegativeAmount
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range plan {
		v := l.capacity[p.Date] - p.Amount
		if v <= 0 {
			delete(l.capacity, p.Date)
		} else {
			l.capacity[p.Date] = v
		}
	}
	l.persist("capacity.json", l.capacity)
	l.updateGaugeLocked()
	return nil
}

// Adjust adds delta (signed) to a date's allocation, clamped at zero.
func (l *Ledger) Adjust(date string, delta float64) error {
	if _, err := time.Parse(dateKey, date); err != nil {
		return fmt.Errorf("parsing date %q: %w", date, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	v := l.capacity[date] + delta
	if v <= 0 {
		delete(l.capacity, date)
	} else {
		l.capacity[date] = v
	}
	l.persist("capacity.json", l.capacity)
	l.updateGaugeLocked()
	return nil
}

// Reset clears every capacity entry. Overrides and tasks are untouched.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.capacity = make(map[string]float64)
	l.persist("capacity.json", l.capacity)
	l.updateGaugeLocked()
}

// SetOverride replaces the baseline capacity for one date and appends to the
// audit log.
func (l *Ledger) SetOverride(date string, capacity float64, user string) error {
	if _, err := time.Parse(dateKey, date); err != nil {
		return fmt.Errorf("parsing date %q: %w", date, err)
	}
	if capacity < 0 {
		return ErrNegativeAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.override[date] = capacity
	l.persist("dailyOverride.json", l.override)
	l.appendAuditLocked("setOverride", date, capacity, user)
	l.updateGaugeLocked()
	return nil
}

// ClearOverride removes a date's override, restoring the baseline.
func (l *Ledger) ClearOverride(date string, user string) error {
	if _, err := time.Parse(dateKey, date); err != nil {
		return fmt.Errorf("parsing date %q: %w", date, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.override[date]; !ok {
		return nil
	}
	delete(l.override, date)
	l.persist("dailyOverride.json", l.override)
	l.appendAuditLocked("clearOverride", date, 0, user)
	l.updateGaugeLocked()
	return nil
}

func (l *Ledger) appendAuditLocked(kind, date string, amount float64, user string) {
	if user == "" {
		user = "system"
	}
	l.auditLog = append(l.auditLog, AuditEntry{
		Type:      kind,
		Date:      date,
		Amount:    amount,
		User:      user,
		Timestamp: l.now().Format(time.RFC3339),
	})
	l.persist("capacityLog.json", l.auditLog)
}

// AuditLog returns a copy of the override mutation history.
func (l *Ledger) AuditLog() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.auditLog))
	copy(out, l.auditLog)
	return out
}

// ReloadTasks re-reads the accepted-task file from disk, replacing the
// in-memory records. Operators hand-edit that file; reload plus
// SyncWithTasks reconciles the capacity map with their edits. A missing
// file is an empty task list, not an error.
func (l *Ledger) ReloadTasks() (int, error) {
	var tasks []Task
	err := atomicfile.ReadJSON(filepath.Join(l.dataDir, "acceptedTasks.json"), &tasks)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("reloading tasks: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = tasks
	l.lastUpdated = l.now()
	return len(tasks), nil
}

// SyncWithTasks rebuilds the capacity map from the live task plans and
// deletes overrides whose date has passed. The result carries the rebuilt
// map, the per-date difference against the prior state, and the deleted
// override dates.
func (l *Ledger) SyncWithTasks() SyncResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.capacity
	after := make(map[string]float64)
	for _, t := range l.tasks {
		for _, p := range t.AllocationPlan {
			after[p.Date] += p.Amount
		}
	}

	diff := make(map[string]float64)
	for date, v := range after {
		if d := v - before[date]; d != 0 {
			diff[date] = d
		}
	}
	for date, v := range before {
		if _, ok := after[date]; !ok && v != 0 {
			diff[date] = -v
		}
	}

	todayKey := l.today().Format(dateKey)
	var deleted []string
	for date := range l.override {
		if date < todayKey {
			deleted = append(deleted, date)
			delete(l.override, date)
		}
	}

	l.capacity = after
	l.persist("capacity.json", l.capacity)
	if len(deleted) > 0 {
		l.persist("dailyOverride.json", l.override)
	}
	l.updateGaugeLocked()

	out := SyncResult{
		After:            make(map[string]float64, len(after)),
		Diff:             diff,
		DeletedOverrides: deleted,
	}
	for k, v := range after {
		out.After[k] = v
	}
	return out
}

// PruneBefore removes capacity and override entries dated strictly before
// today, plus any dates explicitly listed. Matching plan entries are
// stripped from tasks; a task whose plan had entries and lost them all is
// dropped. On-hold records never carried a plan and are kept.
func (l *Ledger) PruneBefore(extraDates []string) PruneResult {
	extra := make(map[string]bool, len(extraDates))
	for _, d := range extraDates {
		extra[d] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	todayKey := l.today().Format(dateKey)
	stale := func(date string) bool {
		return date < todayKey || extra[date]
	}

	var res PruneResult
	for date := range l.capacity {
		if stale(date) {
			delete(l.capacity, date)
			res.Deleted++
		}
	}
	for date := range l.override {
		if stale(date) {
			delete(l.override, date)
			res.Deleted++
		}
	}

	kept := l.tasks[:0]
	for _, t := range l.tasks {
		hadPlan := len(t.AllocationPlan) > 0
		plan := make([]PlanEntry, 0, len(t.AllocationPlan))
		for _, p := range t.AllocationPlan {
			if stale(p.Date) {
				res.AllocationsRemoved++
			} else {
				plan = append(plan, p)
			}
		}
		t.AllocationPlan = plan
		if hadPlan && len(plan) == 0 {
			res.TasksRemoved++
			continue
		}
		kept = append(kept, t)
	}
	l.tasks = kept
	l.lastUpdated = l.now()

	l.persist("capacity.json", l.capacity)
	l.persist("dailyOverride.json", l.override)
	l.persist("acceptedTasks.json", l.tasks)
	l.updateGaugeLocked()

	return res
}

// parseDeadline accepts the parser's normalized "YYYY-MM-DD HH:mm" form or a
// bare date and returns the deadline date at local midnight.
func parseDeadline(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02 15:04", s, time.Local); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local), nil
	}
	t, err := time.ParseInLocation(dateKey, s, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
