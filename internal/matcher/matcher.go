// Package matcher selects the single rule that governs an inbound message.
//
// Layers are consulted most specific first: static field matches, then
// learned include/exclude patterns, then AI classification. When nothing
// is confident the message is left alone.
package matcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/ai"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/rules"
)

// Layer names the precedence layer that produced a match.
type Layer string

const (
	LayerStatic  Layer = "static"
	LayerPattern Layer = "pattern"
	LayerAI      Layer = "ai"
	LayerNone    Layer = "none"
)

// DefaultMinConfidence is the classifier confidence below which a result is ignored.
const DefaultMinConfidence = 0.8

// Match is the matcher's decision. Rule is nil when nothing matched.
type Match struct {
	Rule    *rules.Rule
	Layer   Layer
	Reason  string
	Pattern *rules.Pattern
}

// Matched reports whether a rule was selected.
func (m *Match) Matched() bool { return m != nil && m.Rule != nil }

// Input is everything the matcher needs for one message.
type Input struct {
	Account *account.Account
	Message *email.Message
	// Rules in evaluation order, each with its learned patterns loaded.
	Rules []*rules.Rule
}

// Matcher implements rule selection.
type Matcher struct {
	classifier    ai.Classifier
	minConfidence float64
	logger        *logging.Logger
}

// New creates a matcher. classifier may be nil when AI is disabled.
func New(classifier ai.Classifier, minConfidence float64, logger *logging.Logger) *Matcher {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Matcher{classifier: classifier, minConfidence: minConfidence, logger: logger.Matcher()}
}

// Match selects at most one rule for in.Message.
func (m *Matcher) Match(ctx context.Context, in Input) *Match {
	result := m.match(ctx, in)
	metrics.RecordMatch(string(result.Layer))
	return result
}

func (m *Matcher) match(ctx context.Context, in Input) *Match {
	msg := in.Message
	eligible := make([]*rules.Rule, 0, len(in.Rules))
	for _, r := range in.Rules {
		if !r.Enabled {
			continue
		}
		if msg.IsReply && !r.RunOnThreads {
			continue
		}
		if !categoryAllows(r, msg.Category) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return &Match{Layer: LayerNone, Reason: "No eligible rules"}
	}

	// Layer 1: static conditions.
	var aiCandidates []*rules.Rule
	for _, r := range eligible {
		hasInstructions := strings.TrimSpace(r.Instructions) != ""
		if !r.HasStaticConditions() {
			if hasInstructions {
				aiCandidates = append(aiCandidates, r)
			} else if r.CategoryFilterType == rules.CategoryInclude && len(r.CategoryFilters) > 0 {
				return &Match{Rule: r, Layer: LayerStatic, Reason: fmt.Sprintf("Category %q matched rule %q", msg.Category, r.Name)}
			}
			continue
		}

		matched, reason := staticMatch(r, msg)
		switch {
		case matched && (!hasInstructions || r.Operator == rules.OperatorOr):
			return &Match{Rule: r, Layer: LayerStatic, Reason: reason}
		case matched:
			// AND with instructions: static narrows, AI decides.
			aiCandidates = append(aiCandidates, r)
		case hasInstructions && r.Operator == rules.OperatorOr:
			aiCandidates = append(aiCandidates, r)
		}
	}

	// Layer 2: learned patterns.
	excluded := make(map[string]bool)
	for _, r := range eligible {
		p := firstMatchingPattern(r.Patterns, msg)
		if p == nil {
			continue
		}
		if p.Exclude {
			excluded[r.ID] = true
			m.logger.DebugContext(ctx, "rule excluded by learned pattern", "rule", r.Name, "pattern_type", string(p.Type), "pattern", p.Value)
			continue
		}
		return &Match{
			Rule:    r,
			Layer:   LayerPattern,
			Pattern: p,
			Reason:  fmt.Sprintf("Learned %s pattern %q matched rule %q", strings.ToLower(string(p.Type)), p.Value, r.Name),
		}
	}

	// Layer 3: AI classification.
	candidates := aiCandidates[:0:0]
	for _, r := range aiCandidates {
		if !excluded[r.ID] {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return &Match{Layer: LayerNone, Reason: "No rule matched"}
	}
	if m.classifier == nil || in.Account == nil || !in.Account.AIAccess {
		return &Match{Layer: LayerNone, Reason: "No rule matched; AI classification unavailable for this account"}
	}
	return m.classify(ctx, in, candidates)
}

func (m *Matcher) classify(ctx context.Context, in Input, candidates []*rules.Rule) *Match {
	req := ai.Request{
		AccountEmail: in.Account.Email,
		About:        in.Account.About,
		Message:      in.Message,
		Candidates:   make([]ai.Candidate, len(candidates)),
	}
	for i, r := range candidates {
		req.Candidates[i] = ai.Candidate{Name: r.Name, Instructions: r.Instructions}
	}

	start := time.Now()
	res, err := m.classifier.Classify(ctx, req)
	if err != nil {
		m.logger.WarnContext(ctx, "ai classification failed", "error", err.Error(), "duration", time.Since(start).String())
		metrics.RecordError("matcher", "classify")
		return &Match{Layer: LayerNone, Reason: "No rule matched; AI classification failed"}
	}
	if res == nil || res.RuleName == "" {
		return &Match{Layer: LayerNone, Reason: "No rule matched; AI found no confident match"}
	}
	if res.Confidence < m.minConfidence {
		return &Match{
			Layer:  LayerNone,
			Reason: fmt.Sprintf("No rule matched; AI suggested %q with confidence %.2f below %.2f", res.RuleName, res.Confidence, m.minConfidence),
		}
	}
	for _, r := range candidates {
		if strings.EqualFold(r.Name, res.RuleName) {
			reason := fmt.Sprintf("AI selected rule %q (confidence %.2f)", r.Name, res.Confidence)
			if res.Explanation != "" {
				reason += ": " + res.Explanation
			}
			return &Match{Rule: r, Layer: LayerAI, Reason: reason}
		}
	}
	m.logger.WarnContext(ctx, "ai returned unknown rule", "rule", res.RuleName)
	return &Match{Layer: LayerNone, Reason: fmt.Sprintf("No rule matched; AI returned unknown rule %q", res.RuleName)}
}

func categoryAllows(r *rules.Rule, category string) bool {
	if len(r.CategoryFilters) == 0 || r.CategoryFilterType == "" {
		return true
	}
	listed := false
	for _, c := range r.CategoryFilters {
		if strings.EqualFold(c, category) {
			listed = true
			break
		}
	}
	if r.CategoryFilterType == rules.CategoryExclude {
		return !listed
	}
	return listed
}
