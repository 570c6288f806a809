package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/audit"
	"github.com/fenilsonani/mail-automation/internal/condition"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/labels"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/matcher"
	"github.com/fenilsonani/mail-automation/internal/queue"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/scheduled"
	"github.com/fenilsonani/mail-automation/internal/storage"
	"github.com/fenilsonani/mail-automation/internal/storage/storagetest"
)

type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) (string, error) {
	return "task", nil
}

type engine struct {
	db        *storage.DB
	rules     *rules.Store
	provider  *mailbox.Provider
	scheduled *scheduled.Service
	store     *Store
	executor  *Executor
	audit     *audit.Logger
	proc      *Processor
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	db := storagetest.Open(t)
	storagetest.Account(t, db, "acct-1", "owner@example.com", false)

	accounts := account.NewStore(db)
	provider := mailbox.New(db, accounts, labels.NewResolver(labels.NewStore(db), nil), nil)
	svc := scheduled.New(db, nopEnqueuer{}, provider, nil)
	store := NewStore(db)
	exec := NewExecutor(store, provider, svc, nil)
	ruleStore := rules.NewStore(db)
	auditLog := audit.NewLogger(db.DB)

	return &engine{
		db:        db,
		rules:     ruleStore,
		provider:  provider,
		scheduled: svc,
		store:     store,
		executor:  exec,
		audit:     auditLog,
		proc: NewProcessor(Deps{
			Accounts:  accounts,
			Messages:  provider,
			Rules:     ruleStore,
			Matcher:   matcher.New(nil, 0, nil),
			Evaluator: condition.NewEvaluator(provider, nil),
			Store:     store,
			Executor:  exec,
			Scheduled: svc,
			Audit:     auditLog,
		}),
	}
}

func (e *engine) addRule(t *testing.T, r *rules.Rule) *rules.Rule {
	t.Helper()
	r.AccountID = "acct-1"
	r.Enabled = true
	if err := e.rules.Create(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return r
}

func newsletter(id string) *email.Message {
	return &email.Message{
		ID:        id,
		AccountID: "acct-1",
		From:      "Writer <writer@substack.com>",
		To:        "owner@example.com",
		Subject:   "This week in Go",
		Body:      "Issue 42",
		Date:      time.Now().Add(-time.Minute),
	}
}

func TestProcessArchivesNewsletter(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:     "Archive newsletters",
		From:     "@substack.com",
		Automate: true,
		Actions:  []rules.Action{{Type: rules.ActionArchive}},
	})

	er, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, _ := e.store.Get(context.Background(), er.ID)
	if got.Status != StatusApplied || !got.Automated {
		t.Errorf("status=%s automated=%v", got.Status, got.Automated)
	}
	if len(got.Actions) != 1 || got.Actions[0].Status != ItemSuccess {
		t.Errorf("actions = %+v", got.Actions)
	}
	state, _ := e.provider.MessageState(context.Background(), "acct-1", "msg-1")
	if !state.Archived {
		t.Error("message was not archived")
	}
}

func TestProcessDelayedLabelIsScheduled(t *testing.T) {
	e := newEngine(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e.executor.now = func() time.Time { return now }
	e.addRule(t, &rules.Rule{
		Name:     "Label later",
		From:     "@substack.com",
		Automate: true,
		Actions:  []rules.Action{{Type: rules.ActionLabel, Label: "Read later", DelayInMinutes: 30}},
	})

	er, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	pending, err := e.scheduled.ListForExecutedRule(context.Background(), er.ID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("scheduled actions = %v, %v", pending, err)
	}
	if pending[0].Status != scheduled.StatusPending {
		t.Errorf("status = %s, want PENDING", pending[0].Status)
	}
	if want := now.Add(30 * time.Minute); !pending[0].ScheduledFor.Equal(want) {
		t.Errorf("ScheduledFor = %v, want %v", pending[0].ScheduledFor, want)
	}
	state, _ := e.provider.MessageState(context.Background(), "acct-1", "msg-1")
	if len(state.LabelIDs) != 0 {
		t.Errorf("label applied early: %v", state.LabelIDs)
	}

	// Delivery applies the label and completes the item.
	if err := e.scheduled.Deliver(context.Background(), pending[0].ID); err != nil {
		t.Fatal(err)
	}
	state, _ = e.provider.MessageState(context.Background(), "acct-1", "msg-1")
	if len(state.LabelIDs) != 1 {
		t.Errorf("label not applied on delivery: %v", state.LabelIDs)
	}
	got, _ := e.store.Get(context.Background(), er.ID)
	if got.Actions[0].Status != ItemSuccess {
		t.Errorf("item status = %s after delivery", got.Actions[0].Status)
	}
}

func TestProcessNoMatchIsSkipped(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:    "Invoices",
		Subject: "invoice",
		Actions: []rules.Action{{Type: rules.ActionArchive}},
	})

	er, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	if er.Status != StatusSkipped || er.RuleID != "" {
		t.Errorf("status=%s rule=%q", er.Status, er.RuleID)
	}
	got, _ := e.store.Get(context.Background(), er.ID)
	if got.RuleID != "" || got.Status != StatusSkipped {
		t.Errorf("stored = %+v", got)
	}
}

func TestProcessFailedGateIsSkipped(t *testing.T) {
	e := newEngine(t)
	rule := e.addRule(t, &rules.Rule{
		Name:     "Beta triage",
		From:     "@substack.com",
		Automate: true,
		Gates:    []condition.Condition{{Type: condition.OptIn, Feature: "beta"}},
		Actions:  []rules.Action{{Type: rules.ActionArchive}},
	})

	er, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	if er.Status != StatusSkipped || er.RuleID != rule.ID {
		t.Errorf("status=%s rule=%q", er.Status, er.RuleID)
	}
	if !strings.Contains(er.Reason, "Conditions not met") {
		t.Errorf("reason = %q", er.Reason)
	}
	state, _ := e.provider.MessageState(context.Background(), "acct-1", "msg-1")
	if state.Archived {
		t.Error("action ran despite failed gate")
	}
}

func TestProcessDuplicateMessage(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:     "Archive newsletters",
		From:     "@substack.com",
		Automate: true,
		Actions:  []rules.Action{{Type: rules.ActionArchive}},
	})

	first, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("duplicate delivery created a new record")
	}
	var n int
	e.db.Get(&n, `SELECT COUNT(*) FROM executed_rules`)
	if n != 1 {
		t.Errorf("executed_rules = %d, want 1", n)
	}
}

func TestProcessConcurrentDeliveriesRecordOnce(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:     "Digest newsletters",
		From:     "@substack.com",
		Automate: true,
		Actions:  []rules.Action{{Type: rules.ActionDigest}},
	})

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			er, err := e.proc.Process(context.Background(), newsletter("msg-dup"))
			errs[i] = err
			if er != nil {
				ids[i] = er.ID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Process #%d error = %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("Process #%d returned record %s, want %s", i, ids[i], ids[0])
		}
	}
	var records, digests int
	e.db.Get(&records, `SELECT COUNT(*) FROM executed_rules`)
	e.db.Get(&digests, `SELECT COUNT(*) FROM digest_items`)
	if records != 1 || digests != 1 {
		t.Errorf("executed_rules=%d digest_items=%d, want 1 and 1", records, digests)
	}
}

func TestProcessSharedMessageIDAcrossAccounts(t *testing.T) {
	e := newEngine(t)
	storagetest.Account(t, e.db, "acct-2", "partner@example.com", false)
	for _, acct := range []string{"acct-1", "acct-2"} {
		if err := e.rules.Create(context.Background(), &rules.Rule{
			AccountID: acct,
			Name:      "Archive newsletters",
			Enabled:   true,
			From:      "@substack.com",
			Automate:  true,
			Actions:   []rules.Action{{Type: rules.ActionArchive}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	for _, acct := range []string{"acct-1", "acct-2"} {
		msg := newsletter("<shared@substack.com>")
		msg.AccountID = acct
		er, err := e.proc.Process(context.Background(), msg)
		if err != nil {
			t.Fatalf("Process(%s) error = %v", acct, err)
		}
		if er.Status != StatusApplied {
			t.Errorf("%s status=%s reason=%q", acct, er.Status, er.Reason)
		}
		state, err := e.provider.MessageState(context.Background(), acct, "<shared@substack.com>")
		if err != nil || !state.Archived {
			t.Errorf("%s state = %+v, %v", acct, state, err)
		}
	}
}

func TestStoreCreateRejectsSecondRecord(t *testing.T) {
	e := newEngine(t)
	first := &ExecutedRule{AccountID: "acct-1", MessageID: "msg-1", Status: StatusSkipped}
	if err := e.store.Create(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	second := &ExecutedRule{AccountID: "acct-1", MessageID: "msg-1", Status: StatusPending}
	if err := e.store.Create(context.Background(), second); !errors.Is(err, ErrAlreadyRecorded) {
		t.Errorf("second Create() = %v, want ErrAlreadyRecorded", err)
	}
}

func TestReplyRuleWaitsForApproval(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:     "Acknowledge clients",
		From:     "@client.com",
		Automate: true,
		Actions:  []rules.Action{{Type: rules.ActionReply, Content: "Thanks, we got it."}},
	})
	msg := &email.Message{ID: "msg-1", AccountID: "acct-1", From: "ceo@client.com", Subject: "Kickoff", Date: time.Now()}

	er, err := e.proc.Process(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if er.Status != StatusPending || er.Automated {
		t.Fatalf("status=%s automated=%v, reply rules must wait for approval", er.Status, er.Automated)
	}
	if out, _ := e.provider.Outbox(context.Background(), "acct-1"); len(out) != 0 {
		t.Fatalf("reply sent without approval: %+v", out)
	}

	approved, err := e.proc.Approve(context.Background(), er.ID, audit.ActorAPI)
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if approved.Status != StatusApplied {
		t.Errorf("status = %s, want APPLIED", approved.Status)
	}
	out, _ := e.provider.Outbox(context.Background(), "acct-1")
	if len(out) != 1 || out[0].Subject != "Re: Kickoff" {
		t.Errorf("outbox = %+v", out)
	}

	if _, err := e.proc.Approve(context.Background(), er.ID, audit.ActorAPI); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Approve() = %v, want ErrInvalidTransition", err)
	}
	if n, _ := e.audit.Count(context.Background(), audit.QueryFilter{Action: audit.EventExecutionApprove, Target: er.ID}); n != 1 {
		t.Errorf("approve audit events = %d", n)
	}
}

func TestRejectCancelsScheduledActions(t *testing.T) {
	e := newEngine(t)
	e.addRule(t, &rules.Rule{
		Name:    "Suggest archive",
		From:    "@substack.com",
		Actions: []rules.Action{{Type: rules.ActionArchive, DelayInMinutes: 60}},
	})

	er, err := e.proc.Process(context.Background(), newsletter("msg-1"))
	if err != nil {
		t.Fatal(err)
	}
	if er.Status != StatusPending {
		t.Fatalf("status = %s, want PENDING", er.Status)
	}
	sa, err := e.scheduled.Schedule(context.Background(), scheduled.Request{
		AccountID: "acct-1", ExecutedRuleID: er.ID, MessageID: "msg-1",
		Action: rules.Action{Type: rules.ActionArchive, DelayInMinutes: 60},
	}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := e.proc.Reject(context.Background(), er.ID, audit.ActorAPI)
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != StatusRejected {
		t.Errorf("status = %s", rejected.Status)
	}
	got, _ := e.scheduled.Get(context.Background(), sa.ID)
	if got.Status != scheduled.StatusCancelled {
		t.Errorf("scheduled action status = %s, want CANCELLED", got.Status)
	}
	if _, err := e.proc.Reject(context.Background(), er.ID, audit.ActorAPI); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Reject() = %v", err)
	}
	if _, err := e.proc.Approve(context.Background(), er.ID, audit.ActorAPI); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve after reject = %v", err)
	}
}

func TestProcessUnknownAccount(t *testing.T) {
	e := newEngine(t)
	msg := newsletter("msg-1")
	msg.AccountID = "ghost"
	if _, err := e.proc.Process(context.Background(), msg); !errors.Is(err, account.ErrNotFound) {
		t.Errorf("Process() = %v, want account.ErrNotFound", err)
	}
}
