package condition

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/logging"
)

type fakeHistory struct {
	previous    bool
	previousErr error
	thread      []*email.Message
	threadErr   error

	gotSender  string
	gotBefore  time.Time
	gotExclude string
}

func (f *fakeHistory) HasPreviousCommunication(ctx context.Context, accountID, sender string, before time.Time, exclude string) (bool, error) {
	f.gotSender, f.gotBefore, f.gotExclude = sender, before, exclude
	return f.previous, f.previousErr
}

func (f *fakeHistory) GetThreadMessages(ctx context.Context, accountID, threadID string) ([]*email.Message, error) {
	return f.thread, f.threadErr
}

func newTestEvaluator(h History) (*Evaluator, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(logging.Config{Level: "debug", Format: "json"}, &buf)
	return NewEvaluator(h, logger), &buf
}

func testContext() *Context {
	return &Context{
		Account: &account.Account{ID: "acct-1", OptIns: []string{"cold-email-blocker"}},
		Message: &email.Message{
			ID:       "m2",
			ThreadID: "t1",
			From:     "Sam <Sam@Example.com>",
			Date:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestFirstContact(t *testing.T) {
	t.Run("no history passes", func(t *testing.T) {
		h := &fakeHistory{}
		e, _ := newTestEvaluator(h)
		ec := testContext()

		r := e.Evaluate(context.Background(), Condition{Type: FirstContact}, ec)
		if !r.Passed {
			t.Fatalf("expected pass, got %+v", r)
		}
		if h.gotSender != "sam@example.com" {
			t.Errorf("lookup sender = %q, want normalized address", h.gotSender)
		}
		if !h.gotBefore.Equal(ec.Message.Date) || h.gotExclude != "m2" {
			t.Errorf("lookup cutoff=%v exclude=%q", h.gotBefore, h.gotExclude)
		}
		if r.Reason == "" {
			t.Error("missing reason")
		}
	})

	t.Run("previous communication fails", func(t *testing.T) {
		e, _ := newTestEvaluator(&fakeHistory{previous: true})
		r := e.Evaluate(context.Background(), Condition{Type: FirstContact}, testContext())
		if r.Passed {
			t.Error("expected fail when sender wrote before")
		}
	})

	t.Run("lookup error fails closed with warning", func(t *testing.T) {
		e, logs := newTestEvaluator(&fakeHistory{previousErr: errors.New("provider down")})
		r := e.Evaluate(context.Background(), Condition{Type: FirstContact}, testContext())
		if r.Passed {
			t.Error("expected fail closed")
		}
		if !strings.Contains(logs.String(), `"level":"WARN"`) {
			t.Errorf("expected warning log, got %s", logs.String())
		}
	})
}

func TestThreadExists(t *testing.T) {
	ctx := context.Background()

	e, _ := newTestEvaluator(&fakeHistory{thread: []*email.Message{{ID: "m1"}, {ID: "m2"}}})
	if r := e.Evaluate(ctx, Condition{Type: ThreadExists}, testContext()); !r.Passed || r.Value != 1 {
		t.Errorf("thread with earlier message: %+v", r)
	}

	e, _ = newTestEvaluator(&fakeHistory{thread: []*email.Message{{ID: "m2"}}})
	if r := e.Evaluate(ctx, Condition{Type: ThreadExists}, testContext()); r.Passed {
		t.Errorf("thread containing only this message should fail: %+v", r)
	}

	ec := testContext()
	ec.Message.ThreadID = ""
	if r := e.Evaluate(ctx, Condition{Type: ThreadExists}, ec); r.Passed {
		t.Error("message without thread should fail")
	}
}

func TestMinMessages(t *testing.T) {
	ctx := context.Background()
	three := []*email.Message{{ID: "m0"}, {ID: "m1"}, {ID: "m2"}}

	tests := []struct {
		name      string
		history   *fakeHistory
		minCount  int
		wantPass  bool
		wantValue int
		wantWarn  bool
	}{
		{name: "enough messages", history: &fakeHistory{thread: three}, minCount: 3, wantPass: true, wantValue: 3},
		{name: "too few messages", history: &fakeHistory{thread: three[:1]}, minCount: 3, wantValue: 1},
		{name: "lookup error counts zero", history: &fakeHistory{threadErr: errors.New("timeout")}, minCount: 3, wantValue: 0, wantWarn: true},
		{name: "zero minimum passes even on error", history: &fakeHistory{threadErr: errors.New("timeout")}, minCount: 0, wantPass: true, wantWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, logs := newTestEvaluator(tt.history)
			r := e.Evaluate(ctx, Condition{Type: MinMessages, MinCount: tt.minCount}, testContext())
			if r.Passed != tt.wantPass {
				t.Errorf("Passed = %v, want %v (%s)", r.Passed, tt.wantPass, r.Reason)
			}
			if r.Value != tt.wantValue {
				t.Errorf("Value = %v, want %d", r.Value, tt.wantValue)
			}
			if gotWarn := strings.Contains(logs.String(), `"level":"WARN"`); gotWarn != tt.wantWarn {
				t.Errorf("warning logged = %v, want %v", gotWarn, tt.wantWarn)
			}
		})
	}
}

func TestOptIn(t *testing.T) {
	e, _ := newTestEvaluator(&fakeHistory{})
	ctx := context.Background()

	if r := e.Evaluate(ctx, Condition{Type: OptIn, Feature: "cold-email-blocker"}, testContext()); !r.Passed {
		t.Errorf("opted-in feature failed: %+v", r)
	}
	if r := e.Evaluate(ctx, Condition{Type: OptIn, Feature: "digest"}, testContext()); r.Passed {
		t.Errorf("missing opt-in passed: %+v", r)
	}
}

func TestUnknownConditionFailsWithErrorLog(t *testing.T) {
	e, logs := newTestEvaluator(&fakeHistory{})
	r := e.Evaluate(context.Background(), Condition{Type: "requiresMoonPhase"}, testContext())
	if r.Passed {
		t.Error("unknown condition passed")
	}
	if !strings.Contains(r.Reason, "requiresMoonPhase") {
		t.Errorf("reason %q does not name the type", r.Reason)
	}
	out := logs.String()
	if !strings.Contains(out, `"level":"ERROR"`) || !strings.Contains(out, "requiresMoonPhase") {
		t.Errorf("expected error log naming the type, got %s", out)
	}
}

func TestEvaluateAllEvaluatesEveryGate(t *testing.T) {
	e, _ := newTestEvaluator(&fakeHistory{previous: true, thread: []*email.Message{{ID: "m1"}}})
	conds := []Condition{
		{Type: FirstContact},
		{Type: OptIn, Feature: "digest"},
		{Type: MinMessages, MinCount: 1},
	}

	passed, results := e.EvaluateAll(context.Background(), conds, testContext())
	if passed {
		t.Error("EvaluateAll passed with failing gates")
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[2].Passed {
		t.Error("third gate should pass independently")
	}
	summary := Summarize(results)
	if strings.Count(summary, "; ") != 1 {
		t.Errorf("Summarize = %q, want two failed reasons", summary)
	}
}
