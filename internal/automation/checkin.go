package automation

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/ai"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
)

// ActivitySource counts executed rules by status.
type ActivitySource interface {
	ActivitySince(ctx context.Context, accountID string, since time.Time) (map[string]int, error)
}

// DirectSender sends mail on behalf of an account outside any rule.
type DirectSender interface {
	SendDirect(ctx context.Context, accountID, to, subject, body string) (mailbox.Result, error)
}

// CheckIn emails the owner a summary of automation activity since the
// previous occurrence. With a summarizer and a prompt, the summary is
// rewritten by the model following the prompt.
type CheckIn struct {
	activity   ActivitySource
	sender     DirectSender
	summarizer ai.Summarizer
	logger     *logging.Logger
}

// NewCheckIn creates the CHECK_IN handler. summarizer may be nil.
func NewCheckIn(activity ActivitySource, sender DirectSender, summarizer ai.Summarizer, logger *logging.Logger) *CheckIn {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CheckIn{activity: activity, sender: sender, summarizer: summarizer, logger: logger.Scheduler()}
}

// Handle implements JobHandler.
func (c *CheckIn) Handle(ctx context.Context, inv Invocation) error {
	job := inv.Job
	counts, err := c.activity.ActivitySince(ctx, job.AccountID, inv.Since)
	if err != nil {
		return err
	}

	body := activityReport(counts, inv.Since)
	if c.summarizer != nil && strings.TrimSpace(job.Prompt) != "" {
		summary, err := c.summarizer.Summarize(ctx, job.Prompt, body)
		if err != nil {
			c.logger.WarnContext(ctx, "summary failed, sending plain report", "error", err.Error())
		} else if strings.TrimSpace(summary) != "" {
			body = summary
		}
	}

	subject := "Your automation check-in"
	if job.Name != "" {
		subject += ": " + job.Name
	}
	res, err := c.sender.SendDirect(ctx, job.AccountID, "", subject, body)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("check-in delivery failed: %s", res.ErrorCode)
	}
	return nil
}

func activityReport(counts map[string]int, since time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automation activity since %s\n\n", since.UTC().Format("Mon, 2 Jan 2006 15:04 MST"))
	if len(counts) == 0 {
		b.WriteString("No messages were handled by your rules.\n")
		return b.String()
	}
	total := 0
	for _, status := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(&b, "  %-10s %d\n", status, counts[status])
		total += counts[status]
	}
	fmt.Fprintf(&b, "\nTotal: %d\n", total)
	return b.String()
}
