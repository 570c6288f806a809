package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMatch(t *testing.T) {
	for _, layer := range []string{"static", "pattern", "ai", "none"} {
		initialTotal := testutil.ToFloat64(MessagesProcessed)
		initial := testutil.ToFloat64(RuleMatches.WithLabelValues(layer))

		RecordMatch(layer)

		if got := testutil.ToFloat64(RuleMatches.WithLabelValues(layer)); got != initial+1 {
			t.Errorf("RuleMatches[%s] = %v, want %v", layer, got, initial+1)
		}
		if got := testutil.ToFloat64(MessagesProcessed); got != initialTotal+1 {
			t.Errorf("MessagesProcessed = %v, want %v", got, initialTotal+1)
		}
	}
}

func TestRecordAction(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    string
	}{
		{"archive ok", true, "success"},
		{"archive failed", false, "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(ActionResults.WithLabelValues("ARCHIVE", tt.want))
			RecordAction("ARCHIVE", tt.success)
			if got := testutil.ToFloat64(ActionResults.WithLabelValues("ARCHIVE", tt.want)); got != initial+1 {
				t.Errorf("ActionResults[ARCHIVE,%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestRecordSchedulerTick(t *testing.T) {
	ticks := testutil.ToFloat64(SchedulerTicks)
	claimed := testutil.ToFloat64(SchedulerJobs.WithLabelValues("claimed"))
	skipped := testutil.ToFloat64(SchedulerJobs.WithLabelValues("skipped"))

	RecordSchedulerTick(2, 2, 3, 0)

	if got := testutil.ToFloat64(SchedulerTicks); got != ticks+1 {
		t.Errorf("SchedulerTicks = %v, want %v", got, ticks+1)
	}
	if got := testutil.ToFloat64(SchedulerJobs.WithLabelValues("claimed")); got != claimed+2 {
		t.Errorf("claimed = %v, want %v", got, claimed+2)
	}
	if got := testutil.ToFloat64(SchedulerJobs.WithLabelValues("skipped")); got != skipped+3 {
		t.Errorf("skipped = %v, want %v", got, skipped+3)
	}
}

func TestRecordCondition(t *testing.T) {
	initial := testutil.ToFloat64(ConditionResults.WithLabelValues("requiresMinMessages", "failure"))
	RecordCondition("requiresMinMessages", false)
	if got := testutil.ToFloat64(ConditionResults.WithLabelValues("requiresMinMessages", "failure")); got != initial+1 {
		t.Errorf("ConditionResults = %v, want %v", got, initial+1)
	}
}

func TestRecordError(t *testing.T) {
	initial := testutil.ToFloat64(Errors.WithLabelValues("scheduler", "enqueue"))
	RecordError("scheduler", "enqueue")
	if got := testutil.ToFloat64(Errors.WithLabelValues("scheduler", "enqueue")); got != initial+1 {
		t.Errorf("Errors = %v, want %v", got, initial+1)
	}
}
