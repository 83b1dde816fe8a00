package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	logx "carbonbot/pkg/logx"
)

func TestServerHandlerAuthAndEndpoints(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Tick("ok")
	var unhealthy atomic.Bool
	s := NewServer(ServerConfig{}, m, func() (any, bool) { return map[string]int{"subscribers": 3}, !unhealthy.Load() }, logx.Nop())
	ts := httptest.NewServer(s.handler(ServerConfig{Token: "sekret"}))
	defer ts.Close()

	get := func(path, bearer string) (int, string) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := get("/metrics", ""); code != http.StatusUnauthorized {
		t.Fatalf("metrics without token: %d", code)
	}
	if code, body := get("/metrics", "sekret"); code != 200 || !strings.Contains(body, `carbonbot_ticks_total{result="ok"} 1`) {
		t.Fatalf("metrics: %d %s", code, body)
	}
	if code, body := get("/healthz?token=sekret", ""); code != 200 || !strings.Contains(body, `"subscribers":3`) {
		t.Fatalf("healthz: %d %s", code, body)
	}
	unhealthy.Store(true)
	if code, _ := get("/healthz", "sekret"); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz: %d", code)
	}
	if code, _ := get("/debug/pprof/", "sekret"); code != 200 {
		t.Fatalf("pprof index: %d", code)
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := NewServer(ServerConfig{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.serveOnce(ctx); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q)=%v", in, got)
		}
	}
}

func TestMetricsNilSafeAndCounts(t *testing.T) {
	t.Parallel()
	var nilM *Metrics
	nilM.Delivery(errors.New("x"))
	nilM.Command("start")

	m := NewMetrics()
	m.Delivery(nil)
	m.Delivery(errors.New("blocked"))
	m.Delivery(nil)
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok deliveries=%v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed deliveries=%v", got)
	}
}
