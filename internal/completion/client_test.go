package completion

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "carbonbot/pkg/logx"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, req chatRequest)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func answer(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "gpt-3.5-turbo",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func failure(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
}

func TestCompleteSendsSystemAndUserMessages(t *testing.T) {
	t.Parallel()
	var got chatRequest
	srv, _ := newServer(t, func(w http.ResponseWriter, req chatRequest) {
		got = req
		answer(w, "  CO2e means carbon dioxide equivalent.  ")
	})
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1/", Model: "test-model"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := c.Complete(context.Background(), "you are helpful", "What is CO2e?")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "CO2e means carbon dioxide equivalent." {
		t.Fatalf("answer=%q", out)
	}
	if got.Model != "test-model" || len(got.Messages) != 2 {
		t.Fatalf("request=%+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "you are helpful" {
		t.Fatalf("system message=%+v", got.Messages[0])
	}
	if got.Messages[1].Role != "user" || got.Messages[1].Content != "What is CO2e?" {
		t.Fatalf("user message=%+v", got.Messages[1])
	}
}

func TestCompleteDoesNotRetry(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, func(w http.ResponseWriter, _ chatRequest) { failure(w) })
	c, _ := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1", BreakerTrip: -1}, logx.Nop())
	if _, err := c.Complete(context.Background(), "s", "u"); err == nil {
		t.Fatalf("expected error")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls=%d, want 1", n)
	}
}

func TestCompleteEmptyAnswer(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, func(w http.ResponseWriter, _ chatRequest) { answer(w, "   ") })
	c, _ := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1"}, logx.Nop())
	if _, err := c.Complete(context.Background(), "s", "u"); !errors.Is(err, ErrEmptyAnswer) {
		t.Fatalf("err=%v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	srv, calls := newServer(t, func(w http.ResponseWriter, _ chatRequest) { failure(w) })
	c, _ := New(Config{APIKey: "k", BaseURL: srv.URL + "/v1", BreakerTrip: 2, BreakerBaseDelay: time.Minute}, logx.Nop())

	for i := 0; i < 2; i++ {
		if _, err := c.Complete(context.Background(), "s", "u"); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("call %d err=%v", i, err)
		}
	}
	if _, err := c.Complete(context.Background(), "s", "u"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v, want circuit open", err)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("calls=%d, want 2", n)
	}
}

func TestBreakerCooldownAndReset(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newBreaker(1, time.Second, 4*time.Second, time.Hour)
	fail := errors.New("x")

	b.record(now, fail)
	if open, until := b.open(now); !open || !until.Equal(now.Add(time.Second)) {
		t.Fatalf("open=%v until=%v", open, until)
	}
	b.record(now, fail)
	b.record(now, fail)
	b.record(now, fail)
	if _, until := b.open(now); !until.Equal(now.Add(4 * time.Second)) {
		t.Fatalf("cooldown should cap at max, until=%v", until)
	}
	b.record(now.Add(5*time.Second), nil)
	if open, _ := b.open(now.Add(5 * time.Second)); open {
		t.Fatalf("success should close the circuit")
	}
	if open, _ := newBreaker(-1, 0, 0, 0).open(now); open {
		t.Fatalf("disabled breaker must never open")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
