package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fenilsonani/mail-automation/internal/email"
)

// newTestServer answers chat completions with content and records the last request body.
func newTestServer(t *testing.T, status int, content string) (*httptest.Server, *string) {
	t.Helper()
	var lastBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
			return
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-test",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &lastBody
}

func testRequest() Request {
	return Request{
		AccountEmail: "owner@example.com",
		Message:      &email.Message{From: "shop@store.com", Subject: "Your receipt", Body: "Total $12"},
		Candidates: []Candidate{
			{Name: "Receipts", Instructions: "Purchase receipts and invoices"},
			{Name: "Newsletters", Instructions: "Newsletters"},
		},
	}
}

func TestOpenAIClassify(t *testing.T) {
	srv, body := newTestServer(t, http.StatusOK, `{"rule_name":"Receipts","confidence":0.93,"reason":"mentions a receipt"}`)
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test"}, nil)

	got, err := client.Classify(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.RuleName != "Receipts" || got.Confidence != 0.93 || got.Explanation != "mentions a receipt" {
		t.Errorf("Classify = %+v", got)
	}
	if !strings.Contains(*body, "Purchase receipts and invoices") || !strings.Contains(*body, "json_object") {
		t.Errorf("request body missing prompt or response format: %s", *body)
	}
}

func TestOpenAIClassifyNullRule(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK, `{"rule_name":null,"confidence":0.2,"reason":"unclear"}`)
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)

	got, err := client.Classify(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if got.RuleName != "" {
		t.Errorf("RuleName = %q, want empty", got.RuleName)
	}
}

func TestOpenAIClassifyErrors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv, _ := newTestServer(t, http.StatusTooManyRequests, "")
		client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)
		if _, err := client.Classify(context.Background(), testRequest()); err == nil {
			t.Error("expected error for 429")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		srv, _ := newTestServer(t, http.StatusOK, "Receipts, probably")
		client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)
		if _, err := client.Classify(context.Background(), testRequest()); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestOpenAIClassifyWithoutCandidatesSkipsCall(t *testing.T) {
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1"}, nil)
	req := testRequest()
	req.Candidates = nil

	got, err := client.Classify(context.Background(), req)
	if err != nil || got.RuleName != "" {
		t.Errorf("Classify = %+v, %v", got, err)
	}
}

func TestOpenAISummarize(t *testing.T) {
	srv, body := newTestServer(t, http.StatusOK, "3 newsletters archived.")
	client := NewOpenAI(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, nil)

	got, err := client.Summarize(context.Background(), "Be brief", "ARCHIVE x3")
	if err != nil {
		t.Fatal(err)
	}
	if got != "3 newsletters archived." {
		t.Errorf("Summarize = %q", got)
	}
	if strings.Contains(*body, "json_object") {
		t.Error("summary request asked for JSON output")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo", 2); got != "hé..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hi", 5); got != "hi" {
		t.Errorf("truncate = %q", got)
	}
}
