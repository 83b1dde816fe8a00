package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"carbonbot/internal/broadcast"
	"carbonbot/internal/domain"
	"carbonbot/internal/eventbus"
	"carbonbot/internal/measurement"
	"carbonbot/internal/responder"
	"carbonbot/internal/roles"
	"carbonbot/internal/storage"
	logx "carbonbot/pkg/logx"
)

type fakeAnswerer struct {
	mu    sync.Mutex
	calls []roles.Role
	res   responder.Result
}

func (f *fakeAnswerer) Respond(_ context.Context, role roles.Role, _ string) responder.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, role)
	r := f.res
	r.Role = role
	return r
}

type spySender struct {
	mu   sync.Mutex
	sent map[domain.SubscriberID][]string
	fail map[domain.SubscriberID]bool
}

func (s *spySender) Send(_ context.Context, to domain.SubscriberID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[to] = append(s.sent[to], text)
	if s.fail[to] {
		return errors.New("forbidden: bot was blocked by the user")
	}
	return nil
}

type countingBroadcaster struct {
	inner Broadcaster
	mu    sync.Mutex
	texts []string
}

func (c *countingBroadcaster) Broadcast(ctx context.Context, trigger, text string) (broadcast.Report, error) {
	c.mu.Lock()
	c.texts = append(c.texts, text)
	c.mu.Unlock()
	return c.inner.Broadcast(ctx, trigger, text)
}

type fixedGenerator struct{ rec domain.Record }

func (g fixedGenerator) Next() domain.Record { return g.rec }

type harness struct {
	d      *Dispatcher
	store  storage.Store
	sender *spySender
	bc     *countingBroadcaster
	ans    *fakeAnswerer
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	if store == nil {
		store = storage.NewMemory()
	}
	sender := &spySender{sent: map[domain.SubscriberID][]string{}, fail: map[domain.SubscriberID]bool{}}
	eng := broadcast.New(broadcast.Config{RatePerSec: 1000}, store, sender, logx.Nop(), nil)
	bc := &countingBroadcaster{inner: eng}
	ans := &fakeAnswerer{res: responder.Result{Outcome: responder.OutcomeAnswer, Answer: "42 kg"}}
	gen := fixedGenerator{rec: domain.Record{Plant: "台中廠", CO2e: 1888.88, Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}}
	d := New(Deps{
		Subscribers:  store,
		Roles:        roles.NewStore(nil, logx.Nop()),
		Responder:    ans,
		Broadcaster:  bc,
		Measurements: measurement.NewService(store, nil, measurement.ModeLog, time.UTC, logx.Nop()),
		Generator:    gen,
		Bus:          eventbus.New(),
		Menu:         MenuConfig{DashboardURL: "https://cfmcloud.web.app"},
		Log:          logx.Nop(),
	})
	return &harness{d: d, store: store, sender: sender, bc: bc, ans: ans}
}

func (h *harness) list(t *testing.T) []domain.SubscriberID {
	t.Helper()
	ids, err := h.store.ListSubscribers(context.Background())
	if err != nil {
		t.Fatalf("ListSubscribers: %v", err)
	}
	return ids
}

func TestSubscribeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		r := h.d.Subscribe(ctx, "7")
		if r.Text != TextSubscribed {
			t.Fatalf("reply=%q", r.Text)
		}
		if len(r.Buttons) != 1 || r.Buttons[0][0].WebAppURL != "https://cfmcloud.web.app" {
			t.Fatalf("buttons=%+v", r.Buttons)
		}
	}
	if ids := h.list(t); len(ids) != 1 || ids[0] != "7" {
		t.Fatalf("ids=%v", ids)
	}
}

func TestUnsubscribeIdempotentAndRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	if r := h.d.Unsubscribe(ctx, "9"); r.Text != TextUnsubscribed {
		t.Fatalf("reply=%q", r.Text)
	}
	if ids := h.list(t); len(ids) != 0 {
		t.Fatalf("ids=%v", ids)
	}
	h.d.Subscribe(ctx, "9")
	h.d.Unsubscribe(ctx, "9")
	if ids := h.list(t); len(ids) != 0 {
		t.Fatalf("round trip left ids=%v", ids)
	}
}

func TestListRendersSortedIDs(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	if r := h.d.List(ctx); r.Text != TextNoSubscribers {
		t.Fatalf("empty list=%q", r.Text)
	}
	h.d.Subscribe(ctx, "300")
	h.d.Subscribe(ctx, "100")
	if r := h.d.List(ctx); r.Text != TextSubscribersTitle+"\n100\n300" {
		t.Fatalf("list=%q", r.Text)
	}
}

func TestRoleDefaultOverwriteAndReject(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	if got := h.d.roles.GetRole("42"); got != roles.Consumer {
		t.Fatalf("default role=%s", got)
	}
	h.d.SetRole(ctx, "42", "manager")
	h.d.SetRole(ctx, "42", "Dealer")
	if got := h.d.roles.GetRole("42"); got != roles.Dealer {
		t.Fatalf("role=%s", got)
	}
	r := h.d.SetRole(ctx, "42", "auditor")
	if !strings.Contains(r.Text, "manager, consumer, dealer") {
		t.Fatalf("reply=%q", r.Text)
	}
	if got := h.d.roles.GetRole("42"); got != roles.Dealer {
		t.Fatalf("invalid role changed state: %s", got)
	}
	picker := h.d.RolePicker("42")
	if len(picker.Buttons) != 1 || len(picker.Buttons[0]) != 3 || picker.Buttons[0][2].Data != "role:set:dealer" {
		t.Fatalf("picker=%+v", picker.Buttons)
	}
}

func TestAskEmptyQueryNeverCallsResponder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	progressed := false
	r := h.d.Ask(context.Background(), "42", "   ", func() { progressed = true })
	if r.Text != TextAskUsage || progressed {
		t.Fatalf("reply=%q progressed=%v", r.Text, progressed)
	}
	if len(h.ans.calls) != 0 || len(h.sender.sent) != 0 {
		t.Fatalf("calls=%v sent=%v", h.ans.calls, h.sender.sent)
	}
}

func TestAskUsesRoleAndHidesCause(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.d.SetRole(ctx, "5", "manager")

	progressed := 0
	r := h.d.Ask(ctx, "5", "what is our cap?", func() { progressed++ })
	if r.Text != "42 kg" || progressed != 1 || h.ans.calls[0] != roles.Manager {
		t.Fatalf("reply=%q progressed=%d calls=%v", r.Text, progressed, h.ans.calls)
	}

	h.ans.res = responder.Result{Outcome: responder.OutcomeCompletionFailed, Cause: errors.New("api key sk-secret rejected")}
	r = h.d.Ask(ctx, "5", "again?", nil)
	if r.Text != TextAskFailed || strings.Contains(r.Text, "sk-secret") {
		t.Fatalf("reply=%q", r.Text)
	}
}

func TestAdminBroadcastScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.d.Subscribe(ctx, "100")
	h.d.Subscribe(ctx, "200")

	r := h.d.AdminBroadcast(ctx, "maintenance at 5pm")
	if r.Text != "✅ Delivered to 2 subscriber(s)" {
		t.Fatalf("reply=%q", r.Text)
	}
	for _, id := range []domain.SubscriberID{"100", "200"} {
		if len(h.sender.sent[id]) != 1 || !strings.Contains(h.sender.sent[id][0], "maintenance at 5pm") {
			t.Fatalf("sent[%s]=%v", id, h.sender.sent[id])
		}
	}
}

func TestAdminBroadcastReportsFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, id := range []domain.SubscriberID{"A", "B", "C"} {
		h.d.Subscribe(ctx, id)
	}
	h.sender.fail["B"] = true
	r := h.d.AdminBroadcast(ctx, "hello")
	if r.Text != "✅ Delivered to 2 subscriber(s) (1 failed)" {
		t.Fatalf("reply=%q", r.Text)
	}
	for _, id := range []domain.SubscriberID{"A", "B", "C"} {
		if len(h.sender.sent[id]) != 1 {
			t.Fatalf("attempts[%s]=%d", id, len(h.sender.sent[id]))
		}
	}
}

type countingStore struct {
	storage.Store
	mu    sync.Mutex
	calls int
}

func (c *countingStore) ListSubscribers(ctx context.Context) ([]domain.SubscriberID, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Store.ListSubscribers(ctx)
}

func TestAdminBroadcastEmptyMessageSkipsStore(t *testing.T) {
	t.Parallel()
	cs := &countingStore{Store: storage.NewMemory()}
	h := newHarness(t, cs)
	if r := h.d.AdminBroadcast(context.Background(), "  "); r.Text != TextBroadcastUsage {
		t.Fatalf("reply=%q", r.Text)
	}
	if cs.calls != 0 || len(h.bc.texts) != 0 {
		t.Fatalf("store calls=%d broadcasts=%d", cs.calls, len(h.bc.texts))
	}
}

func TestTickPersistsOneRecordAndBroadcastsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.d.Subscribe(ctx, "100")

	res, err := h.d.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	latest, ok, _ := h.store.LatestMeasurement(ctx)
	if !ok || latest.ID != res.Record.ID || latest.Plant != "台中廠" {
		t.Fatalf("latest=%+v res=%+v", latest, res.Record)
	}
	if len(h.bc.texts) != 1 {
		t.Fatalf("broadcasts=%d", len(h.bc.texts))
	}
	txt := h.bc.texts[0]
	if txt != measurement.Announcement(latest) || !strings.Contains(txt, "1888.88") {
		t.Fatalf("announcement=%q", txt)
	}
	if res.Report.Delivered() != 1 {
		t.Fatalf("report=%+v", res.Report)
	}
}

type failingMeasurements struct{ storage.Store }

func (failingMeasurements) PutMeasurement(context.Context, domain.Record) error {
	return storage.ErrUnavailable
}

func TestTickPersistenceFailureSkipsBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t, failingMeasurements{Store: storage.NewMemory()})
	h.d.Subscribe(context.Background(), "100")
	if _, err := h.d.Tick(context.Background()); !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("err=%v", err)
	}
	if len(h.bc.texts) != 0 || len(h.sender.sent) != 0 {
		t.Fatalf("broadcast must be skipped, texts=%v", h.bc.texts)
	}
	// The next tick is still possible.
	if _, err := h.d.Tick(context.Background()); err == nil {
		t.Fatalf("expected repeated failure from the same store")
	}
}

func TestStoreUnavailableGivesApology(t *testing.T) {
	t.Parallel()
	h := newHarness(t, storage.Guard(unavailable{}, logx.Nop(), nil))
	if r := h.d.Subscribe(context.Background(), "1"); r.Text != TextStoreUnavailable {
		t.Fatalf("reply=%q", r.Text)
	}
	if r := h.d.List(context.Background()); r.Text != TextStoreUnavailable {
		t.Fatalf("reply=%q", r.Text)
	}
}

type unavailable struct{ storage.Store }

func (unavailable) SetSubscriber(context.Context, domain.SubscriberID) error {
	return errors.New("dial tcp: connection refused")
}

func (unavailable) ListSubscribers(context.Context) ([]domain.SubscriberID, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func (unavailable) Close() error { return nil }

func TestIngestAnnouncesExternalRecord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.d.Subscribe(ctx, "1")
	rec := domain.Record{Plant: "桃園廠", CO2e: 2000, Timestamp: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	res, err := h.d.Ingest(ctx, rec)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Record.ID == "" || len(h.bc.texts) != 1 || !strings.Contains(h.bc.texts[0], "桃園廠") {
		t.Fatalf("res=%+v texts=%v", res, h.bc.texts)
	}
	if r := h.d.Latest(ctx); !strings.Contains(r.Text, "桃園廠") {
		t.Fatalf("latest=%q", r.Text)
	}
}

func TestTickAfterFutureIngestKeepsOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	future := domain.Record{Plant: "桃園廠", CO2e: 2000, Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}

	t.Run("log", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		if _, err := h.d.Ingest(ctx, future); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		res, err := h.d.Tick(ctx)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if res.Record.Timestamp.Before(future.Timestamp) {
			t.Fatalf("tick record %v older than ingested %v", res.Record.Timestamp, future.Timestamp)
		}
		if len(h.bc.texts) != 2 {
			t.Fatalf("broadcasts=%d", len(h.bc.texts))
		}
	})

	t.Run("summary", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		h.d.meas = measurement.NewService(h.store, nil, measurement.ModeSummary, time.UTC, logx.Nop())
		if _, err := h.d.Ingest(ctx, future); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		res, err := h.d.Tick(ctx)
		if err != nil || !res.Superseded {
			t.Fatalf("res=%+v err=%v", res, err)
		}
		latest, _, _ := h.store.LatestMeasurement(ctx)
		if latest.Plant != "桃園廠" {
			t.Fatalf("summary replaced by older tick record: %+v", latest)
		}
		if len(h.bc.texts) != 1 {
			t.Fatalf("superseded tick must not broadcast, texts=%v", h.bc.texts)
		}
	})
}
