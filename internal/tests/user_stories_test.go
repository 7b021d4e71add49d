package tests

// User story tests for the task intake service. Each story wires the real
// components together (listener, parser, ledger, queue, dashboard events)
// and walks one operator-visible journey end to end.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/portal-intake/internal/bus"
	"github.com/ignite/portal-intake/internal/config"
	"github.com/ignite/portal-intake/internal/intake"
	"github.com/ignite/portal-intake/internal/ledger"
	"github.com/ignite/portal-intake/internal/listener"
	"github.com/ignite/portal-intake/internal/notify"
	"github.com/ignite/portal-intake/internal/queue"
	"github.com/ignite/portal-intake/internal/uidstore"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

// TestContext holds the shared intake pipeline: a ledger pinned to Monday
// 2026-03-02, an in-memory dispatch queue, and an event recorder standing in
// for the dashboard hub.
type TestContext struct {
	DataDir string
	Ledger  *ledger.Ledger
	Queue   *queue.Memory
	Events  *eventRecorder
	Service *intake.Service
	Ctx     context.Context
	Cancel  context.CancelFunc
}

func setupTestContext(t *testing.T) *TestContext {
	t.Helper()

	dataDir := t.TempDir()
	l := ledger.New(dataDir, 5000, weekdaysOnly)
	pinClock(t, l)

	q := queue.NewMemory(64)
	events := &eventRecorder{}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	return &TestContext{
		DataDir: dataDir,
		Ledger:  l,
		Queue:   q,
		Events:  events,
		Service: intake.NewService(l, q, events),
		Ctx:     ctx,
		Cancel:  cancel,
	}
}

func (tc *TestContext) Cleanup() {
	tc.Cancel()
	tc.Queue.Close()
}

func weekdaysOnly(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// pinClock fixes the ledger's clock to Monday 2026-03-02 09:00 local time so
// allocation windows are stable.
func pinClock(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	now, err := time.ParseInLocation("2006-01-02", "2026-03-02", time.Local)
	require.NoError(t, err)
	l.SetClock(func() time.Time { return now.Add(9 * time.Hour) })
}

func words(v float64) *float64 { return &v }

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

// eventRecorder captures dashboard broadcasts in arrival order.
type eventRecorder struct {
	mu     sync.Mutex
	events []busEvent
}

type busEvent struct {
	Type string
	Data interface{}
}

func (r *eventRecorder) Broadcast(eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, busEvent{Type: eventType, Data: data})
}

func (r *eventRecorder) ofType(eventType string) []busEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []busEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// storyConn is a scripted IMAP connection. Messages delivered through it
// reach the listener the same way server pushes would.
type storyConn struct {
	mu       sync.Mutex
	uidNext  uint32
	msgs     map[uint32]listener.Message
	notifyCh chan struct{}
	failCh   chan error
}

func newStoryConn() *storyConn {
	return &storyConn{
		uidNext:  1,
		msgs:     make(map[uint32]listener.Message),
		notifyCh: make(chan struct{}, 16),
		failCh:   make(chan error, 1),
	}
}

// deliver stores a message and signals the listener like an IMAP exists push.
func (c *storyConn) deliver(msg listener.Message) {
	c.add(msg)
	c.notifyCh <- struct{}{}
}

// add stores a message without signalling, like mail that arrived while
// disconnected.
func (c *storyConn) add(msg listener.Message) {
	c.mu.Lock()
	c.msgs[msg.UID] = msg
	if msg.UID >= c.uidNext {
		c.uidNext = msg.UID + 1
	}
	c.mu.Unlock()
}

func (c *storyConn) Select(string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uidNext, nil
}

func (c *storyConn) SearchAfter(lastSeen uint32) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var uids []uint32
	for uid := range c.msgs {
		if uid > lastSeen {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (c *storyConn) Fetch(uids []uint32) ([]listener.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []listener.Message
	for _, uid := range uids {
		if m, ok := c.msgs[uid]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *storyConn) Wait(stop <-chan struct{}) (bool, error) {
	select {
	case <-c.notifyCh:
		return true, nil
	case err := <-c.failCh:
		return false, err
	case <-stop:
		return false, nil
	}
}

func (c *storyConn) Noop() error  { return nil }
func (c *storyConn) Close() error { return nil }

// startStoryListener runs a backfilling listener over the test context's
// intake service and stops it with the test.
func startStoryListener(t *testing.T, tc *TestContext, dial listener.Dialer) (*listener.Listener, *uidstore.Store) {
	t.Helper()
	store := uidstore.Open(tc.DataDir, "INBOX")
	l := listener.New(listener.Options{
		Mailbox:  "INBOX",
		Dial:     dial,
		Store:    store,
		Acceptor: tc.Service,
		Backfill: true,
		Retry: config.ListenerConfig{
			MaxRetries:            3,
			FailedCooldownSeconds: 3600,
			FetchRetries:          2,
		},
	})
	t.Cleanup(l.Stop)
	l.Start()
	return l, store
}

// offerMail renders a notification the way the portal sends it: an order
// reference in the subject, a label/value details table, and an accept link.
func offerMail(uid uint32, order, amount, deadline string) listener.Message {
	return listener.Message{
		UID:     uid,
		Subject: fmt.Sprintf("New task available [#%s]", order),
		HTMLBody: fmt.Sprintf(`<html><body><table>
<tr><td>Workflow name:</td><td>Translation</td></tr>
<tr><td>Status:</td><td>New</td></tr>
<tr><td>Amounts:</td><td>%s</td></tr>
<tr><td>Planned end:</td><td>%s</td></tr>
</table>
<a href="https://projects.moravia.com/Task/%s/detail/notification?command=Accept">Accept</a>
</body></html>`, amount, deadline, order),
	}
}

// onHoldMail renders the hold notification variant: no accept link yet.
func onHoldMail(uid uint32, order, amount string) listener.Message {
	return listener.Message{
		UID:     uid,
		Subject: fmt.Sprintf("Task pending approval [#%s]", order),
		HTMLBody: fmt.Sprintf(`<table>
<tr><td>Status:</td><td>On Hold</td></tr>
<tr><td>Amounts:</td><td>%s</td></tr>
</table>`, amount),
	}
}

// =============================================================================
// US-001: Standard Offer Intake
// =============================================================================

func TestUS001_StandardOfferIntake(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.Cleanup()

	conn := newStoryConn()
	startStoryListener(t, tc, func() (listener.Conn, error) { return conn, nil })

	t.Run("Criterion1_NotificationMailAdmitted", func(t *testing.T) {
		// Given: a notification lands while the listener is connected
		conn.deliver(offerMail(11, "31337", "12,000", "2026-03-04 17:00"))

		// Then: the offer is parsed, allocated, and recorded
		eventually(t, func() bool {
			tasks, _ := tc.Ledger.Tasks()
			return len(tasks) == 1
		}, "offer never admitted")

		tasks, _ := tc.Ledger.Tasks()
		task := tasks[0]
		assert.Equal(t, "31337", task.OrderID)
		assert.Equal(t, ledger.StatusAccepted, task.Status)
		assert.Equal(t, 12000.0, task.AmountWords)
		assert.Equal(t, "Translation", task.WorkflowName)
		assert.Equal(t, "2026-03-04 17:00", task.PlannedEndDate)
	})

	t.Run("Criterion2_LatestDaysFillFirst", func(t *testing.T) {
		assert.Equal(t, map[string]float64{
			"2026-03-04": 5000,
			"2026-03-03": 5000,
			"2026-03-02": 2000,
		}, tc.Ledger.Capacity())

		tasks, _ := tc.Ledger.Tasks()
		require.Len(t, tasks, 1)
		plan := tasks[0].AllocationPlan
		require.Len(t, plan, 3)
		assert.Equal(t, "2026-03-04", plan[0].Date, "deadline day is reserved first")
		assert.Equal(t, 5000.0, plan[0].Amount)
	})

	t.Run("Criterion3_AcceptClickQueued", func(t *testing.T) {
		n, err := tc.Queue.Len(tc.Ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		job, err := tc.Queue.Dequeue(tc.Ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "31337", job.OrderID)
		assert.Equal(t,
			"https://projects.moravia.com/Task/31337/detail/notification?command=Accept",
			job.AcceptURL)
		assert.Len(t, job.Plan, 3)
	})

	t.Run("Criterion4_DashboardSeesTheIntake", func(t *testing.T) {
		capEvents := tc.Events.ofType(bus.EventCapacityUpdated)
		require.Len(t, capEvents, 3, "one capacity event per planned day")
		dates := map[string]bool{}
		for _, e := range capEvents {
			data, ok := e.Data.(map[string]string)
			require.True(t, ok)
			dates[data["date"]] = true
		}
		assert.True(t, dates["2026-03-02"])
		assert.True(t, dates["2026-03-03"])
		assert.True(t, dates["2026-03-04"])

		queueEvents := tc.Events.ofType(bus.EventQueueUpdated)
		require.NotEmpty(t, queueEvents)
		assert.Equal(t, map[string]int{"length": 1}, queueEvents[len(queueEvents)-1].Data)
	})
}

// =============================================================================
// US-002: Capacity Guard Near the Deadline
// =============================================================================

func TestUS002_CapacityGuardNearDeadline(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.Cleanup()

	t.Run("Criterion1_FirstOfferFillsTheWindow", func(t *testing.T) {
		err := tc.Service.Accept(tc.Ctx, intake.Offer{
			Mailbox:        "INBOX",
			OrderID:        "70001",
			Status:         "New",
			AmountWords:    words(9000),
			PlannedEndDate: "2026-03-03 18:00",
			AcceptURL:      "https://projects.moravia.com/Task/70001/detail/notification?command=Accept",
		})
		require.NoError(t, err)

		assert.Equal(t, 0.0, tc.Ledger.Remaining("2026-03-03"))
		assert.Equal(t, 1000.0, tc.Ledger.Remaining("2026-03-02"))
	})

	t.Run("Criterion2_OverflowOfferRejectedAtomically", func(t *testing.T) {
		before := tc.Ledger.Capacity()
		eventsBefore := tc.Events.count()

		err := tc.Service.Accept(tc.Ctx, intake.Offer{
			Mailbox:        "INBOX",
			OrderID:        "70002",
			Status:         "New",
			AmountWords:    words(3000),
			PlannedEndDate: "2026-03-03 18:00",
			AcceptURL:      "https://projects.moravia.com/Task/70002/detail/notification?command=Accept",
		})
		require.ErrorIs(t, err, ledger.ErrInsufficientCapacity)

		assert.Equal(t, before, tc.Ledger.Capacity(), "rejected offer must not change allocations")
		assert.Equal(t, eventsBefore, tc.Events.count(), "rejected offer must not reach the dashboard")
	})

	t.Run("Criterion3_RejectionLeavesNoTrace", func(t *testing.T) {
		tasks, _ := tc.Ledger.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, "70001", tasks[0].OrderID)

		n, err := tc.Queue.Len(tc.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the admitted offer is queued")
	})
}

// =============================================================================
// US-003: On-Hold Offer Visibility
// =============================================================================

func TestUS003_OnHoldOfferVisibility(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.Cleanup()

	conn := newStoryConn()
	startStoryListener(t, tc, func() (listener.Conn, error) { return conn, nil })

	t.Run("Criterion1_OnHoldRecordedWithoutCapacity", func(t *testing.T) {
		conn.deliver(onHoldMail(21, "55555", "4,000"))

		eventually(t, func() bool {
			_, onHold := tc.Ledger.Counts()
			return onHold == 1
		}, "on-hold offer never recorded")

		tasks, _ := tc.Ledger.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, ledger.StatusOnHold, tasks[0].Status)
		assert.Empty(t, tasks[0].AllocationPlan)
		assert.Empty(t, tc.Ledger.Capacity(), "on-hold offers must not consume capacity")

		n, err := tc.Queue.Len(tc.Ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("Criterion2_DashboardShowsPendingWork", func(t *testing.T) {
		events := tc.Events.ofType(bus.EventTasksUpdated)
		require.NotEmpty(t, events)
		assert.Equal(t, map[string]int{
			"completedCount": 0,
			"onHoldCount":    1,
		}, events[len(events)-1].Data)
	})

	t.Run("Criterion3_FollowUpOfferAdmitted", func(t *testing.T) {
		conn.deliver(offerMail(22, "55555", "4,000", "2026-03-03 12:00"))

		eventually(t, func() bool {
			completed, _ := tc.Ledger.Counts()
			return completed == 1
		}, "follow-up offer never admitted")

		assert.Equal(t, map[string]float64{"2026-03-03": 4000}, tc.Ledger.Capacity())

		n, err := tc.Queue.Len(tc.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

// =============================================================================
// US-004: Operator Capacity Controls
// =============================================================================

func TestUS004_OperatorCapacityControls(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.Cleanup()

	const friday = "2026-03-06"
	var plan []ledger.PlanEntry

	t.Run("Criterion1_OverrideRaisesTheBaseline", func(t *testing.T) {
		require.NoError(t, tc.Ledger.SetOverride(friday, 12000, "ops@example.com"))
		assert.Equal(t, 12000.0, tc.Ledger.Remaining(friday))
	})

	t.Run("Criterion2_LargerOfferFitsAfterOverride", func(t *testing.T) {
		var err error
		plan, err = tc.Ledger.Allocate(11000, friday+" 18:00")
		require.NoError(t, err)
		require.Equal(t, []ledger.PlanEntry{{Date: friday, Amount: 11000}}, plan)
		assert.Equal(t, 1000.0, tc.Ledger.Remaining(friday))
	})

	t.Run("Criterion3_CancellationReturnsTheWords", func(t *testing.T) {
		require.NoError(t, tc.Ledger.Release(plan))
		assert.Equal(t, 12000.0, tc.Ledger.Remaining(friday))
	})

	t.Run("Criterion4_AuditTrailNamesTheOperator", func(t *testing.T) {
		require.NoError(t, tc.Ledger.ClearOverride(friday, "ops@example.com"))
		assert.Equal(t, 5000.0, tc.Ledger.Remaining(friday))

		audit := tc.Ledger.AuditLog()
		require.Len(t, audit, 2)
		assert.Equal(t, "setOverride", audit[0].Type)
		assert.Equal(t, friday, audit[0].Date)
		assert.Equal(t, 12000.0, audit[0].Amount)
		assert.Equal(t, "ops@example.com", audit[0].User)
		assert.Equal(t, "clearOverride", audit[1].Type)
		assert.Equal(t, "ops@example.com", audit[1].User)
	})
}

// =============================================================================
// US-005: Listener Outage Recovery
// =============================================================================

func TestUS005_ListenerOutageRecovery(t *testing.T) {
	tc := setupTestContext(t)
	defer tc.Cleanup()

	conn := newStoryConn()
	var dials atomic.Int64
	lst, store := startStoryListener(t, tc, func() (listener.Conn, error) {
		dials.Add(1)
		return conn, nil
	})

	t.Run("Criterion1_OfferAdmittedBeforeTheDrop", func(t *testing.T) {
		conn.deliver(offerMail(31, "80001", "3,000", "2026-03-04 17:00"))

		eventually(t, func() bool {
			completed, _ := tc.Ledger.Counts()
			return completed == 1
		}, "offer never admitted")
		eventually(t, func() bool { return store.LastSeen() == 31 }, "cursor not advanced")
	})

	t.Run("Criterion2_CrashReplayAdmitsNothingTwice", func(t *testing.T) {
		// A crash between processing and the cursor write replays the batch
		// on reconnect; the seen set absorbs it.
		store.SetLastSeen(0)
		conn.failCh <- errors.New("connection reset by peer")

		eventually(t, func() bool { return dials.Load() >= 2 }, "listener never reconnected")
		eventually(t, func() bool { return store.LastSeen() == 31 }, "replayed batch not reabsorbed")

		tasks, _ := tc.Ledger.Tasks()
		assert.Len(t, tasks, 1, "duplicate delivery must not allocate twice")

		n, err := tc.Queue.Len(tc.Ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.EqualValues(t, 1, lst.Stats()["duplicates_skipped"])
	})

	t.Run("Criterion3_MailDuringTheOutageIsPickedUp", func(t *testing.T) {
		conn.add(offerMail(32, "80002", "2,000", "2026-03-04 17:00"))
		conn.deliver(offerMail(33, "80003", "1,000", "2026-03-04 17:00"))

		eventually(t, func() bool {
			completed, _ := tc.Ledger.Counts()
			return completed == 3
		}, "offers lost across the outage")
		assert.EqualValues(t, 33, store.LastSeen())
	})
}

// =============================================================================
// US-006: Reconnect Storm Alerting
// =============================================================================

func TestUS006_ReconnectStormAlerting(t *testing.T) {
	var mu sync.Mutex
	var alerts []string
	chat := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		alerts = append(alerts, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer chat.Close()

	monitor := listener.NewHealthMonitor(config.HealthConfig{
		ReconnectAlertThreshold: 3,
		AlertWindowSeconds:      300,
	}, notify.NewWebhook(chat.URL, time.Second))

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	monitor.SetClock(func() time.Time { return now })

	alertCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(alerts)
	}
	lastAlert := func() string {
		mu.Lock()
		defer mu.Unlock()
		return alerts[len(alerts)-1]
	}

	t.Run("Criterion1_StormAlertAtThreshold", func(t *testing.T) {
		monitor.RecordReconnect("INBOX")
		monitor.RecordReconnect("INBOX")
		assert.Zero(t, alertCount(), "two reconnects are below the storm threshold")

		monitor.RecordReconnect("INBOX")
		require.Equal(t, 1, alertCount())
		assert.Contains(t, lastAlert(), "INBOX reconnected 3 times")
	})

	t.Run("Criterion2_AtMostOneAlertPerWindow", func(t *testing.T) {
		monitor.RecordReconnect("INBOX")
		monitor.RecordReconnect("INBOX")
		assert.Equal(t, 1, alertCount(), "storm alerts must not repeat inside the window")
	})

	t.Run("Criterion3_NextWindowAlertsAgain", func(t *testing.T) {
		now = now.Add(301 * time.Second)

		monitor.RecordReconnect("INBOX")
		monitor.RecordReconnect("INBOX")
		monitor.RecordReconnect("INBOX")
		require.Equal(t, 2, alertCount())
		assert.Contains(t, lastAlert(), "INBOX")
	})
}

// =============================================================================
// US-007: Durable Dispatch Across Processes
// =============================================================================

func TestUS007_DurableDispatchAcrossProcesses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	var mu sync.Mutex
	var clicked []string
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		clicked = append(clicked, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer portal.Close()

	// The server process admits offers into the shared queue.
	serverQ, err := queue.NewRedis(mr.Addr(), "intake:dispatch")
	require.NoError(t, err)
	defer serverQ.Close()

	l := ledger.New(t.TempDir(), 5000, weekdaysOnly)
	pinClock(t, l)
	svc := intake.NewService(l, serverQ, &eventRecorder{})
	ctx := context.Background()

	t.Run("Criterion1_AdmittedOffersLandInRedis", func(t *testing.T) {
		for _, order := range []string{"90001", "90002"} {
			require.NoError(t, svc.Accept(ctx, intake.Offer{
				Mailbox:        "INBOX",
				OrderID:        order,
				Status:         "New",
				AmountWords:    words(1000),
				PlannedEndDate: "2026-03-04 17:00",
				AcceptURL:      fmt.Sprintf("%s/Task/%s/detail/notification?command=Accept", portal.URL, order),
			}))
		}

		n, err := serverQ.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Criterion2_SeparateWorkerDrainsTheQueue", func(t *testing.T) {
		// A second connection, the way the standalone worker opens its own.
		workerQ, err := queue.NewRedis(mr.Addr(), "intake:dispatch")
		require.NoError(t, err)
		defer workerQ.Close()

		d := intake.NewDispatcher(workerQ, intake.NewHTTPClicker(5*time.Second), nil)
		d.Start()
		defer d.Stop()

		eventually(t, func() bool { return d.Stats()["dispatched"] == 2 }, "worker never clicked the accept links")

		n, err := serverQ.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "queue drained")
	})

	t.Run("Criterion3_ClicksCarryTheAcceptCommand", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, clicked, 2)
		for _, u := range clicked {
			assert.Contains(t, u, "/detail/notification")
			assert.Contains(t, u, "command=Accept")
		}
	})
}
