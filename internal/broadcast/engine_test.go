package broadcast

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"carbonbot/internal/domain"
	"carbonbot/internal/observability"
	"carbonbot/internal/storage"
	"carbonbot/internal/transport"
	logx "carbonbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	calls map[domain.SubscriberID][]string
	fail  map[domain.SubscriberID]error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{calls: map[domain.SubscriberID][]string{}, fail: map[domain.SubscriberID]error{}}
}

func (s *recordingSender) Send(_ context.Context, to domain.SubscriberID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[to] = append(s.calls[to], text)
	return s.fail[to]
}

func seed(t *testing.T, ids ...domain.SubscriberID) storage.Store {
	t.Helper()
	st := storage.NewMemory()
	for _, id := range ids {
		if err := st.SetSubscriber(context.Background(), id); err != nil {
			t.Fatalf("SetSubscriber: %v", err)
		}
	}
	return st
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()
	st := seed(t, "A", "B", "C")
	snd := newRecordingSender()
	snd.fail["B"] = errors.New("bot was blocked by the user")
	m := observability.NewMetrics()

	e := New(Config{Workers: 2, RatePerSec: 1000}, st, snd, logx.Nop(), m)
	rep, err := e.Broadcast(context.Background(), "test", "hello")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if rep.Delivered() != 2 || len(rep.Failed) != 1 || rep.Failed[0].ID != "B" {
		t.Fatalf("report=%+v", rep)
	}
	for _, id := range []domain.SubscriberID{"A", "B", "C"} {
		if n := len(snd.calls[id]); n != 1 {
			t.Fatalf("attempts for %s = %d, want exactly 1", id, n)
		}
	}
	want := `
# HELP carbonbot_deliveries_total Per-subscriber delivery attempts by result.
# TYPE carbonbot_deliveries_total counter
carbonbot_deliveries_total{result="error"} 1
carbonbot_deliveries_total{result="ok"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "carbonbot_deliveries_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func TestBroadcastScenarioAdminAnnouncement(t *testing.T) {
	t.Parallel()
	st := seed(t, "100", "200")
	snd := newRecordingSender()

	e := New(Config{RatePerSec: 1000}, st, snd, logx.Nop(), nil)
	rep, err := e.Broadcast(context.Background(), "admin", "📢 Admin announcement:\nmaintenance at 5pm")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if rep.Delivered() != 2 {
		t.Fatalf("delivered=%d", rep.Delivered())
	}
	for _, id := range []domain.SubscriberID{"100", "200"} {
		if len(snd.calls[id]) != 1 || !strings.Contains(snd.calls[id][0], "maintenance at 5pm") {
			t.Fatalf("calls[%s]=%v", id, snd.calls[id])
		}
	}
	got := make([]string, 0, 2)
	for _, id := range rep.Succeeded {
		got = append(got, string(id))
	}
	sort.Strings(got)
	if strings.Join(got, ",") != "100,200" {
		t.Fatalf("succeeded=%v", got)
	}
}

func TestBroadcastEmptySnapshot(t *testing.T) {
	t.Parallel()
	e := New(Config{}, storage.NewMemory(), newRecordingSender(), logx.Nop(), nil)
	rep, err := e.Broadcast(context.Background(), "tick", "x")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if rep.Attempted() != 0 {
		t.Fatalf("report=%+v", rep)
	}
}

type unavailableStore struct{ storage.SubscriberStore }

func (unavailableStore) ListSubscribers(context.Context) ([]domain.SubscriberID, error) {
	return nil, storage.ErrUnavailable
}

func TestBroadcastSnapshotFailure(t *testing.T) {
	t.Parallel()
	snd := newRecordingSender()
	e := New(Config{}, unavailableStore{}, snd, logx.Nop(), nil)
	if _, err := e.Broadcast(context.Background(), "tick", "x"); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if len(snd.calls) != 0 {
		t.Fatalf("no sends expected, got %v", snd.calls)
	}
}

func TestBroadcastRecoversSenderPanic(t *testing.T) {
	t.Parallel()
	st := seed(t, "1", "2")
	var mu sync.Mutex
	sent := 0
	snd := SenderFunc(func(_ context.Context, to domain.SubscriberID, _ string) error {
		if to == "1" {
			panic("boom")
		}
		mu.Lock()
		sent++
		mu.Unlock()
		return nil
	})
	e := New(Config{RatePerSec: 1000}, st, snd, logx.Nop(), nil)
	rep, err := e.Broadcast(context.Background(), "tick", "x")
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if rep.Delivered() != 1 || len(rep.Failed) != 1 || sent != 1 {
		t.Fatalf("report=%+v sent=%d", rep, sent)
	}
}

type fakeAdapter struct {
	transport.Adapter
	mu      sync.Mutex
	targets []int64
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.targets = append(f.targets, to.ChatID)
	f.mu.Unlock()
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func TestAdapterSenderRejectsNonNumericIDs(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := AdapterSender{Adapter: ad}
	if err := s.Send(context.Background(), "-100123", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(context.Background(), "not-a-chat", "hi"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("err=%v", err)
	}
	if len(ad.targets) != 1 || ad.targets[0] != -100123 {
		t.Fatalf("targets=%v", ad.targets)
	}
}
