package scheduled

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/queue"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/storage"
	"github.com/fenilsonani/mail-automation/internal/storage/storagetest"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	err      error
	payloads []any
	opts     []queue.EnqueueOptions
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if queueName != QueueName {
		return "", errors.New("unexpected queue " + queueName)
	}
	f.payloads = append(f.payloads, payload)
	f.opts = append(f.opts, opts)
	return "task-1", nil
}

type fakeRunner struct {
	calls int32
	res   mailbox.Result
	err   error
	panic bool
}

func (f *fakeRunner) RunAction(ctx context.Context, t mailbox.Target, a rules.Action) (mailbox.Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.panic {
		panic("provider exploded")
	}
	// Widen the race window for concurrent delivery tests.
	time.Sleep(5 * time.Millisecond)
	return f.res, f.err
}

type fixture struct {
	db       *storage.DB
	svc      *Service
	enqueuer *fakeEnqueuer
	runner   *fakeRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storagetest.Open(t)
	storagetest.Account(t, db, "acct-1", "owner@example.com", false)
	now := storage.Millis(time.Now())
	if _, err := db.Exec(`INSERT INTO executed_rules (id, account_id, message_id, status, created_at, updated_at)
		VALUES ('er-1', 'acct-1', 'msg-1', 'APPLYING', ?, ?)`, now, now); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO executed_actions (id, executed_rule_id, position, type, label, delay_minutes, status)
		VALUES ('item-1', 'er-1', 0, 'LABEL', 'Later', 30, 'SCHEDULED')`); err != nil {
		t.Fatal(err)
	}
	f := &fixture{db: db, enqueuer: &fakeEnqueuer{}, runner: &fakeRunner{res: mailbox.Result{Success: true}}}
	f.svc = New(db, f.enqueuer, f.runner, nil)
	return f
}

func (f *fixture) schedule(t *testing.T, now time.Time) *Action {
	t.Helper()
	a, err := f.svc.Schedule(context.Background(), Request{
		AccountID:        "acct-1",
		ExecutedRuleID:   "er-1",
		ExecutedActionID: "item-1",
		MessageID:        "msg-1",
		Action:           rules.Action{Type: rules.ActionLabel, Label: "Later", DelayInMinutes: 30},
	}, now)
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	return a
}

func TestSchedulePersistsPendingWithDelay(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	a := f.schedule(t, now)

	if want := now.Add(30 * time.Minute); !a.ScheduledFor.Equal(want) {
		t.Errorf("ScheduledFor = %v, want %v", a.ScheduledFor, want)
	}
	stored, err := f.svc.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusPending || !stored.ScheduledFor.Equal(a.ScheduledFor) {
		t.Errorf("stored = %+v", stored)
	}
	if stored.Action.Label != "Later" || stored.Action.Type != rules.ActionLabel {
		t.Errorf("payload not round-tripped: %+v", stored.Action)
	}
	if f.runner.calls != 0 {
		t.Error("scheduling must not run the action")
	}

	if len(f.enqueuer.payloads) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(f.enqueuer.payloads))
	}
	data, _ := json.Marshal(f.enqueuer.payloads[0])
	if string(data) != `{"scheduledActionId":"`+a.ID+`"}` {
		t.Errorf("queue payload = %s", data)
	}
	if !f.enqueuer.opts[0].NotBefore.Equal(a.ScheduledFor) {
		t.Errorf("NotBefore = %v, want %v", f.enqueuer.opts[0].NotBefore, a.ScheduledFor)
	}
}

func TestScheduleEnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.err = errors.New("redis down")

	a, err := f.svc.Schedule(context.Background(), Request{
		AccountID:      "acct-1",
		ExecutedRuleID: "er-1",
		MessageID:      "msg-1",
		Action:         rules.Action{Type: rules.ActionArchive, DelayInMinutes: 5},
	}, time.Now())
	if err == nil {
		t.Fatal("expected enqueue error")
	}
	stored, gErr := f.svc.Get(context.Background(), a.ID)
	if gErr != nil {
		t.Fatal(gErr)
	}
	if stored.Status != StatusFailed || !strings.Contains(stored.Error, "enqueue failed: redis down") {
		t.Errorf("stored = %+v", stored)
	}
}

func TestScheduleRequiresDelay(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Schedule(context.Background(), Request{
		AccountID: "acct-1", ExecutedRuleID: "er-1", MessageID: "msg-1",
		Action: rules.Action{Type: rules.ActionArchive},
	}, time.Now())
	if err == nil {
		t.Error("expected error for undelayed action")
	}
}

func TestDeliverAppliesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.schedule(t, time.Now())

	for i := 0; i < 3; i++ {
		if err := f.svc.Deliver(ctx, a.ID); err != nil {
			t.Fatalf("Deliver() #%d error = %v", i, err)
		}
	}
	if f.runner.calls != 1 {
		t.Errorf("runner called %d times, want 1", f.runner.calls)
	}
	stored, _ := f.svc.Get(ctx, a.ID)
	if stored.Status != StatusApplied || stored.ExecutedAt == nil {
		t.Errorf("stored = %+v", stored)
	}

	var item struct {
		Status    string `db:"status"`
		ErrorCode string `db:"error_code"`
	}
	if err := f.db.Get(&item, `SELECT status, error_code FROM executed_actions WHERE id = 'item-1'`); err != nil {
		t.Fatal(err)
	}
	if item.Status != "SUCCESS" {
		t.Errorf("action item status = %s, want SUCCESS", item.Status)
	}
}

func TestConcurrentDeliveryClaimsOnce(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, time.Now())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.svc.Deliver(context.Background(), a.ID)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Deliver() error = %v", err)
		}
	}
	if calls := atomic.LoadInt32(&f.runner.calls); calls != 1 {
		t.Errorf("runner called %d times, want 1", calls)
	}
}

func TestCancelBeforeDeliveryWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.schedule(t, time.Now())

	if err := f.svc.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := f.svc.Deliver(ctx, a.ID); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if f.runner.calls != 0 {
		t.Error("cancelled action was executed")
	}
	stored, _ := f.svc.Get(ctx, a.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", stored.Status)
	}
}

func TestCancelRejectedOnceClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.schedule(t, time.Now())

	if _, err := f.db.Exec(`UPDATE scheduled_actions SET status = 'EXECUTING' WHERE id = ?`, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Cancel(ctx, a.ID); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel() = %v, want ErrNotCancellable", err)
	}
	if err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrNotFound", err)
	}
}

func TestDeliverOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		runner     *fakeRunner
		wantErr    bool
		wantStatus Status
		wantError  string
		wantItem   string
	}{
		{
			name:       "structured failure",
			runner:     &fakeRunner{res: mailbox.Result{ErrorCode: mailbox.CodeLabelRequired}},
			wantStatus: StatusFailed,
			wantError:  "LABEL_REQUIRED",
			wantItem:   "FAILED",
		},
		{
			name:       "provider error",
			runner:     &fakeRunner{err: errors.New("database is locked")},
			wantErr:    true,
			wantStatus: StatusFailed,
			wantError:  "database is locked",
			wantItem:   "FAILED",
		},
		{
			name:       "provider panic",
			runner:     &fakeRunner{panic: true},
			wantErr:    true,
			wantStatus: StatusFailed,
			wantError:  "provider exploded",
			wantItem:   "FAILED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.svc.runner = tt.runner
			a := f.schedule(t, time.Now())

			err := f.svc.Deliver(context.Background(), a.ID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Deliver() error = %v, wantErr %v", err, tt.wantErr)
			}
			stored, _ := f.svc.Get(context.Background(), a.ID)
			if stored.Status != tt.wantStatus || !strings.Contains(stored.Error, tt.wantError) {
				t.Errorf("stored status=%s error=%q", stored.Status, stored.Error)
			}
			var item string
			f.db.Get(&item, `SELECT status FROM executed_actions WHERE id = 'item-1'`)
			if item != tt.wantItem {
				t.Errorf("item status = %s, want %s", item, tt.wantItem)
			}
		})
	}
}

func TestDeliverMissingIsNoop(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Deliver(context.Background(), "nope"); err != nil {
		t.Errorf("Deliver(missing) = %v", err)
	}
}

func TestCancelForExecutedRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.schedule(t, time.Now())
	f.schedule(t, time.Now())
	third := f.schedule(t, time.Now())
	if err := f.svc.Deliver(ctx, third.ID); err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.CancelForExecutedRule(ctx, "er-1")
	if err != nil || n != 2 {
		t.Fatalf("CancelForExecutedRule() = %d, %v, want 2", n, err)
	}
	all, _ := f.svc.ListForExecutedRule(ctx, "er-1")
	statuses := map[Status]int{}
	for _, a := range all {
		statuses[a.Status]++
	}
	if statuses[StatusCancelled] != 2 || statuses[StatusApplied] != 1 {
		t.Errorf("statuses = %v", statuses)
	}
	if err := f.svc.Deliver(ctx, first.ID); err != nil || f.runner.calls != 1 {
		t.Errorf("cancelled action ran: calls=%d err=%v", f.runner.calls, err)
	}
}

func TestHandleTask(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, time.Now())

	task := &queue.Task{ID: "t1", Queue: QueueName, Payload: json.RawMessage(`{"scheduledActionId":"` + a.ID + `"}`)}
	if err := f.svc.HandleTask(context.Background(), task); err != nil {
		t.Fatalf("HandleTask() error = %v", err)
	}
	if f.runner.calls != 1 {
		t.Errorf("runner calls = %d", f.runner.calls)
	}

	bad := &queue.Task{ID: "t2", Queue: QueueName, Payload: json.RawMessage(`{}`)}
	if err := f.svc.HandleTask(context.Background(), bad); !queue.IsPermanent(err) {
		t.Errorf("HandleTask(bad) = %v, want permanent error", err)
	}
}
