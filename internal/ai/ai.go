// Package ai wraps the language model used for rule classification and
// job summaries behind small interfaces.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/metrics"
	"github.com/fenilsonani/mail-automation/internal/resilience"
)

// Candidate is one rule the model may choose.
type Candidate struct {
	Name         string
	Instructions string
}

// Request describes a classification call.
type Request struct {
	AccountEmail string
	About        string
	Message      *email.Message
	Candidates   []Candidate
}

// Classification is the model's answer. An empty RuleName means the model
// found no confident match.
type Classification struct {
	RuleName    string
	Confidence  float64
	Explanation string
}

// Classifier chooses a rule for a message.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Classification, error)
}

// Summarizer condenses text for scheduled check-in jobs.
type Summarizer interface {
	Summarize(ctx context.Context, instructions, content string) (string, error)
}

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty model response")

// Config configures the OpenAI client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// OpenAI implements Classifier and Summarizer on the chat completions API.
type OpenAI struct {
	client  *openai.Client
	model   string
	breaker *resilience.CircuitBreaker
}

// NewOpenAI creates a client. breaker may be nil.
func NewOpenAI(cfg Config, breaker *resilience.CircuitBreaker) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	if breaker == nil {
		bc := resilience.DefaultConfig("openai")
		if cfg.Timeout > 0 {
			bc.ExecutionTimeout = cfg.Timeout
		}
		breaker = resilience.NewCircuitBreaker(bc)
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: model, breaker: breaker}
}

const classifySystemPrompt = `You route emails to automation rules.
Choose the single rule whose instructions best describe the email, or none.
Answer with a JSON object: {"rule_name": string or null, "confidence": number between 0 and 1, "reason": string}.
Only choose a rule when you are confident; otherwise return null.`

type classifyResponse struct {
	RuleName   *string `json:"rule_name"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Classify asks the model to pick one of req.Candidates.
func (o *OpenAI) Classify(ctx context.Context, req Request) (*Classification, error) {
	if len(req.Candidates) == 0 {
		return &Classification{}, nil
	}

	content, err := o.complete(ctx, classifySystemPrompt, buildClassifyPrompt(req), true)
	if err != nil {
		return nil, err
	}

	var resp classifyResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	c := &Classification{Confidence: resp.Confidence, Explanation: resp.Reason}
	if resp.RuleName != nil {
		c.RuleName = strings.TrimSpace(*resp.RuleName)
	}
	return c, nil
}

// Summarize produces a short plain-text summary following instructions.
func (o *OpenAI) Summarize(ctx context.Context, instructions, content string) (string, error) {
	system := "You write brief, plain-text email digests for the mailbox owner."
	if instructions != "" {
		system += "\n" + instructions
	}
	return o.complete(ctx, system, content, false)
}

func (o *OpenAI) complete(ctx context.Context, system, user string, jsonOut bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0,
	}
	if jsonOut {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var content string
	start := time.Now()
	err := o.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	return content, nil
}

func buildClassifyPrompt(req Request) string {
	var b strings.Builder
	if req.About != "" {
		fmt.Fprintf(&b, "About the mailbox owner (%s): %s\n\n", req.AccountEmail, req.About)
	}
	b.WriteString("Rules:\n")
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- name: %s\n  instructions: %s\n", c.Name, c.Instructions)
	}
	m := req.Message
	b.WriteString("\nEmail:\n")
	fmt.Fprintf(&b, "From: %s\nTo: %s\nSubject: %s\n\n%s\n", m.From, m.To, m.Subject, truncate(m.Body, 4000))
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
