package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["message"] != "hello" || m["err"] != "boom" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if n, _ := m["n"].(float64); n != 2 {
		t.Fatalf("n = %v, want 2", m["n"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("ignored")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := []byte(`{"level":"warn","time":"x","message":"broadcast delivery failed","subscriber":"100","err":"blocked"}`)
	got := formatChatLine(line)
	want := "[WARN] broadcast delivery failed\n- err=blocked\n- subscriber=100"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
	if got := formatChatLine([]byte("  plain  ")); got != "plain" {
		t.Fatalf("non-JSON line = %q", got)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSink) SendLog(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestOpsChatSinkForwardsWarnings(t *testing.T) {
	sink := &recordingSink{}
	svc, log := New(Config{
		Level:   "debug",
		OpsChat: OpsChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sink)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("store unavailable", String("op", "list"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.all()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("forwarded %d messages, want 1: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "store unavailable") || !strings.Contains(msgs[0], "op=list") {
		t.Fatalf("unexpected forwarded message: %q", msgs[0])
	}
}
