package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/audit"
	"github.com/fenilsonani/mail-automation/internal/automation"
	"github.com/fenilsonani/mail-automation/internal/email"
	"github.com/fenilsonani/mail-automation/internal/execution"
	"github.com/fenilsonani/mail-automation/internal/scheduled"
)

const maxBodyBytes = 10 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrNotFound),
		errors.Is(err, scheduled.ErrNotFound),
		errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidTransition),
		errors.Is(err, scheduled.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, email.ErrEmptyMessage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.ErrorContext(r.Context(), msg, err, "path", r.URL.Path)
	}
	writeError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// handleTick claims due automation jobs. Cron services call it every minute.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Scheduler.Tick(r.Context(), s.now())
	if err != nil {
		s.fail(w, r, "scheduler tick failed", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleRunJob executes a pushed automation job run. A non-2xx response
// asks the queue to redeliver.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var p automation.Payload
	if err := decodeJSON(r, &p); err != nil || p.RunID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}
	if err := s.Runner.Execute(r.Context(), p.RunID); err != nil {
		s.fail(w, r, "job run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeliver executes a pushed scheduled action.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var p scheduled.Payload
	if err := decodeJSON(r, &p); err != nil || p.ScheduledActionID == "" {
		writeError(w, http.StatusBadRequest, "scheduledActionId is required")
		return
	}
	if err := s.Scheduled.Deliver(r.Context(), p.ScheduledActionID); err != nil {
		s.fail(w, r, "scheduled action delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageRequest struct {
	AccountID string    `json:"accountId"`
	ID        string    `json:"id"`
	ThreadID  string    `json:"threadId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	HTML      string    `json:"html"`
	Category  string    `json:"category"`
	Date      time.Time `json:"date"`
	IsReply   bool      `json:"isReply"`
}

func (m messageRequest) message() *email.Message {
	body := m.Body
	if body == "" && m.HTML != "" {
		body = email.HTMLToText(m.HTML)
	}
	date := m.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	return &email.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		AccountID: m.AccountID,
		From:      m.From,
		To:        m.To,
		Subject:   m.Subject,
		Body:      body,
		Category:  m.Category,
		Date:      date,
		IsReply:   m.IsReply,
	}
}

// handleMessage ingests one inbound message, either as JSON or as a raw
// message/rfc822 body with the account in the "account" query parameter.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg *email.Message
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "message/rfc822" {
		parsed, err := email.Parse(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.fail(w, r, "parse message", err)
			return
		}
		parsed.AccountID = r.URL.Query().Get("account")
		parsed.Category = r.URL.Query().Get("category")
		msg = parsed
	} else {
		var req messageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid message: "+err.Error())
			return
		}
		msg = req.message()
	}

	if msg.AccountID == "" || msg.ID == "" {
		writeError(w, http.StatusBadRequest, "account and message id are required")
		return
	}

	er, err := s.Processor.Process(r.Context(), msg)
	if err != nil {
		s.fail(w, r, "process message", err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(er))
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	er, err := s.Records.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, "get executed rule", err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(er))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Processor.Approve)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.Processor.Reject)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor string) (*execution.ExecutedRule, error)) {
	er, err := fn(r.Context(), r.PathValue("id"), actor(r))
	if err != nil {
		// An approved record that errored is still returned with its reason.
		if er != nil && statusFor(err) == http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), "approved actions failed", err, "executed_rule_id", er.ID)
			writeJSON(w, http.StatusBadGateway, newRecordView(er))
			return
		}
		s.fail(w, r, "decide executed rule", err)
		return
	}
	writeJSON(w, http.StatusOK, newRecordView(er))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Scheduled.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, "cancel scheduled action", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(scheduled.StatusCancelled)})
}

// actor names the caller in the audit log.
func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
		return a
	}
	return audit.ActorAPI
}

// HealthStatus is the health endpoint response.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	Breakers  map[string]string `json:"breakers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  make(map[string]string, len(s.Health)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, h := range s.Health {
		if err := h.Check(ctx); err != nil {
			status.Status = "degraded"
			status.Services[h.Name] = "error: " + err.Error()
		} else {
			status.Services[h.Name] = "ok"
		}
	}

	// An open breaker already fails fast on its own path, so it is reported
	// without degrading the overall status.
	if s.Breakers != nil {
		states := s.Breakers.States()
		if len(states) > 0 {
			status.Breakers = make(map[string]string, len(states))
			for name, state := range states {
				status.Breakers[name] = state.String()
			}
		}
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type actionView struct {
	ID             string `json:"id"`
	Position       int    `json:"position"`
	Type           string `json:"type"`
	DelayInMinutes int    `json:"delayInMinutes,omitempty"`
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode,omitempty"`
}

type recordView struct {
	ID        string       `json:"id"`
	AccountID string       `json:"accountId"`
	RuleID    string       `json:"ruleId,omitempty"`
	ThreadID  string       `json:"threadId"`
	MessageID string       `json:"messageId"`
	Automated bool         `json:"automated"`
	Status    string       `json:"status"`
	Reason    string       `json:"reason"`
	Actions   []actionView `json:"actions"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func newRecordView(er *execution.ExecutedRule) recordView {
	v := recordView{
		ID:        er.ID,
		AccountID: er.AccountID,
		RuleID:    er.RuleID,
		ThreadID:  er.ThreadID,
		MessageID: er.MessageID,
		Automated: er.Automated,
		Status:    string(er.Status),
		Reason:    er.Reason,
		Actions:   make([]actionView, 0, len(er.Actions)),
		CreatedAt: er.CreatedAt,
		UpdatedAt: er.UpdatedAt,
	}
	for _, item := range er.Actions {
		v.Actions = append(v.Actions, actionView{
			ID:             item.ID,
			Position:       item.Position,
			Type:           string(item.Action.Type),
			DelayInMinutes: item.Action.DelayInMinutes,
			Status:         string(item.Status),
			ErrorCode:      item.ErrorCode,
		})
	}
	return v
}
