// Package dispatcher turns chat intents and scheduled ticks into store
// mutations, responder calls and broadcasts.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"carbonbot/internal/broadcast"
	"carbonbot/internal/domain"
	"carbonbot/internal/eventbus"
	"carbonbot/internal/measurement"
	"carbonbot/internal/observability"
	"carbonbot/internal/responder"
	"carbonbot/internal/roles"
	"carbonbot/internal/storage"
	"carbonbot/internal/transport"
	logx "carbonbot/pkg/logx"
)

const (
	TextSubscribed       = "✅ You are subscribed to carbon notifications."
	TextUnsubscribed     = "❌ You have unsubscribed from carbon notifications."
	TextNoSubscribers    = "No subscribers yet."
	TextSubscribersTitle = "📋 Subscriber chat ids:"
	TextThinking         = "🤖 Thinking, please wait..."
	TextAskUsage         = "Usage: /ask <question>, e.g. /ask What is CO2e?"
	TextAskFailed        = "⚠️ Sorry, I could not get an answer right now. Please try again later."
	TextBroadcastUsage   = "Usage: /broadcast <message>"
	TextBroadcastPrefix  = "📢 Admin announcement:\n"
	TextStoreUnavailable = "⚠️ Service temporarily unavailable, please try again later."

	ButtonDashboard = "📊 Open carbon dashboard"
	ButtonDecision  = "🧠 Model decision system"

	TriggerAdmin  = "admin"
	TriggerTick   = "tick"
	TriggerIngest = "ingest"
)

// Reply is what the chat surface should send back to the caller.
type Reply struct {
	Text    string
	Buttons [][]transport.Button
}

type Answerer interface {
	Respond(ctx context.Context, role roles.Role, question string) responder.Result
}

type Broadcaster interface {
	Broadcast(ctx context.Context, trigger, text string) (broadcast.Report, error)
}

type Measurements interface {
	Persist(ctx context.Context, rec domain.Record) (domain.Record, error)
	Latest(ctx context.Context) (domain.Record, bool, error)
}

type Generator interface {
	Next() domain.Record
}

type MenuConfig struct {
	DashboardURL string
	DecisionURL  string
}

type Deps struct {
	Subscribers  storage.SubscriberStore
	Roles        *roles.Store
	Responder    Answerer
	Broadcaster  Broadcaster
	Measurements Measurements
	Generator    Generator
	Bus          eventbus.Bus
	Menu         MenuConfig
	Log          logx.Logger
	Metrics      *observability.Metrics
}

type Dispatcher struct {
	subs    storage.SubscriberStore
	roles   *roles.Store
	resp    Answerer
	bc      Broadcaster
	meas    Measurements
	gen     Generator
	bus     eventbus.Bus
	menu    MenuConfig
	log     logx.Logger
	metrics *observability.Metrics
}

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Roles == nil {
		d.Roles = roles.NewStore(nil, d.Log)
	}
	return &Dispatcher{
		subs:    d.Subscribers,
		roles:   d.Roles,
		resp:    d.Responder,
		bc:      d.Broadcaster,
		meas:    d.Measurements,
		gen:     d.Generator,
		bus:     d.Bus,
		menu:    d.Menu,
		log:     d.Log,
		metrics: d.Metrics,
	}
}

func (d *Dispatcher) publish(t eventbus.Type, data any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: t, Data: data})
	}
}

func (d *Dispatcher) unavailable(op string, id domain.SubscriberID, err error) Reply {
	d.log.Warn("request failed: store unavailable",
		logx.String("op", op), logx.String("subscriber", string(id)), logx.Err(err))
	return Reply{Text: TextStoreUnavailable}
}

// Subscribe is idempotent: subscribing twice leaves one entry.
func (d *Dispatcher) Subscribe(ctx context.Context, id domain.SubscriberID) Reply {
	if err := d.subs.SetSubscriber(ctx, id); err != nil {
		return d.unavailable("subscribe", id, err)
	}
	d.publish(eventbus.Subscribed, eventbus.SubscriberEvent{ID: id})
	return Reply{Text: TextSubscribed, Buttons: d.menuButtons()}
}

func (d *Dispatcher) menuButtons() [][]transport.Button {
	var row []transport.Button
	if u := strings.TrimSpace(d.menu.DashboardURL); u != "" {
		row = append(row, transport.Button{Text: ButtonDashboard, WebAppURL: u})
	}
	if u := strings.TrimSpace(d.menu.DecisionURL); u != "" {
		row = append(row, transport.Button{Text: ButtonDecision, URL: u})
	}
	if len(row) == 0 {
		return nil
	}
	return [][]transport.Button{row}
}

// Unsubscribe confirms regardless of prior state.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id domain.SubscriberID) Reply {
	if err := d.subs.DeleteSubscriber(ctx, id); err != nil {
		return d.unavailable("unsubscribe", id, err)
	}
	d.publish(eventbus.Unsubscribed, eventbus.SubscriberEvent{ID: id})
	return Reply{Text: TextUnsubscribed}
}

// List renders the current subscriber snapshot, sorted for stable output.
func (d *Dispatcher) List(ctx context.Context) Reply {
	ids, err := d.subs.ListSubscribers(ctx)
	if err != nil {
		return d.unavailable("list", "", err)
	}
	if len(ids) == 0 {
		return Reply{Text: TextNoSubscribers}
	}
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, string(id))
	}
	sort.Strings(lines)
	return Reply{Text: TextSubscribersTitle + "\n" + strings.Join(lines, "\n")}
}

// SetRole validates raw against the closed set before touching the store.
func (d *Dispatcher) SetRole(ctx context.Context, id domain.SubscriberID, raw string) Reply {
	r, err := roles.Parse(raw)
	if err == nil {
		err = d.roles.SetRole(ctx, id, r)
	}
	if errors.Is(err, roles.ErrInvalidRole) {
		return Reply{Text: fmt.Sprintf("⚠️ Unknown role %q. Choose one of: %s", strings.TrimSpace(raw), roles.Names())}
	}
	d.publish(eventbus.RoleChanged, eventbus.RoleEvent{ID: id, Role: string(r)})
	return Reply{Text: fmt.Sprintf("✅ Your role is now %s.", r)}
}

// RolePicker shows the current role and one button per role.
func (d *Dispatcher) RolePicker(id domain.SubscriberID) Reply {
	cur := d.roles.GetRole(id)
	row := make([]transport.Button, 0, len(roles.All()))
	for _, r := range roles.All() {
		label := string(r)
		if r == cur {
			label = "• " + label
		}
		row = append(row, transport.Button{Text: label, Data: RoleCallbackData(r)})
	}
	return Reply{
		Text:    fmt.Sprintf("Your current role: %s\nPick a role:", cur),
		Buttons: [][]transport.Button{row},
	}
}

// RoleCallbackData is the callback payload of a role picker button.
func RoleCallbackData(r roles.Role) string { return "role:set:" + string(r) }

// Ask answers question with the responder selected by id's role. progress,
// when non-nil, is called once right before the completion call starts.
func (d *Dispatcher) Ask(ctx context.Context, id domain.SubscriberID, question string, progress func()) Reply {
	if strings.TrimSpace(question) == "" {
		return Reply{Text: TextAskUsage}
	}
	role := d.roles.GetRole(id)
	if progress != nil {
		progress()
	}
	res := d.resp.Respond(ctx, role, question)
	switch res.Outcome {
	case responder.OutcomeAnswer:
		return Reply{Text: res.Answer}
	case responder.OutcomeEmptyQuery:
		return Reply{Text: TextAskUsage}
	default:
		d.log.Warn("ask failed", logx.String("subscriber", string(id)), logx.String("role", string(res.Role)), logx.Err(res.Cause))
		return Reply{Text: TextAskFailed}
	}
}

// AdminBroadcast announces msg to every subscriber. An empty message is
// rejected before any store access.
func (d *Dispatcher) AdminBroadcast(ctx context.Context, msg string) Reply {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return Reply{Text: TextBroadcastUsage}
	}
	rep, err := d.bc.Broadcast(ctx, TriggerAdmin, TextBroadcastPrefix+msg)
	if err != nil {
		return d.unavailable("broadcast", "", err)
	}
	d.publishReport(rep)
	return Reply{Text: DeliveredText(rep)}
}

// DeliveredText summarizes a broadcast report for the admin.
func DeliveredText(rep broadcast.Report) string {
	s := fmt.Sprintf("✅ Delivered to %d subscriber(s)", rep.Delivered())
	if n := len(rep.Failed); n > 0 {
		s += fmt.Sprintf(" (%d failed)", n)
	}
	return s
}

func (d *Dispatcher) publishReport(rep broadcast.Report) {
	d.publish(eventbus.BroadcastFinished, reportEvent(rep))
}

func reportEvent(rep broadcast.Report) eventbus.BroadcastEvent {
	return eventbus.BroadcastEvent{
		JobID:     rep.JobID,
		Trigger:   rep.Trigger,
		Delivered: rep.Delivered(),
		Failed:    len(rep.Failed),
	}
}

// Latest renders the most recent measurement.
func (d *Dispatcher) Latest(ctx context.Context) Reply {
	rec, ok, err := d.meas.Latest(ctx)
	if err != nil {
		return d.unavailable("latest", "", err)
	}
	if !ok {
		return Reply{Text: measurement.NoDataText}
	}
	return Reply{Text: measurement.LatestText(rec)}
}

// TickResult describes one announced record.
type TickResult struct {
	Record domain.Record
	Report broadcast.Report
	// Superseded is set when a newer record was already stored; nothing
	// was persisted or broadcast.
	Superseded bool
}

// Tick generates one record, persists it and announces it. A persistence
// failure returns an error and nothing is broadcast.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	ctx, span := otel.Tracer("carbonbot/dispatcher").Start(ctx, "tick")
	defer span.End()

	res, err := d.announce(ctx, TriggerTick, d.gen.Next())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick failed")
		d.metrics.Tick("store_error")
		d.publish(eventbus.TickFinished, eventbus.RecordEvent{Err: err.Error()})
		return res, err
	}
	if res.Superseded {
		d.metrics.Tick("superseded")
		d.publish(eventbus.TickFinished, eventbus.RecordEvent{Record: res.Record})
		return res, nil
	}
	span.SetAttributes(attribute.String("record.id", res.Record.ID))
	d.metrics.Tick("ok")
	ev := reportEvent(res.Report)
	d.publish(eventbus.TickFinished, eventbus.RecordEvent{Record: res.Record, Broadcast: &ev})
	return res, nil
}

// Ingest persists and announces an externally produced record exactly like a tick.
func (d *Dispatcher) Ingest(ctx context.Context, rec domain.Record) (TickResult, error) {
	res, err := d.announce(ctx, TriggerIngest, rec)
	if err != nil {
		d.publish(eventbus.RecordIngested, eventbus.RecordEvent{Record: rec, Err: err.Error()})
		return res, err
	}
	if res.Superseded {
		d.publish(eventbus.RecordIngested, eventbus.RecordEvent{Record: res.Record})
		return res, nil
	}
	ev := reportEvent(res.Report)
	d.publish(eventbus.RecordIngested, eventbus.RecordEvent{Record: res.Record, Broadcast: &ev})
	return res, nil
}

func (d *Dispatcher) announce(ctx context.Context, trigger string, rec domain.Record) (TickResult, error) {
	saved, err := d.meas.Persist(ctx, rec)
	if errors.Is(err, measurement.ErrSuperseded) {
		d.log.Info("record superseded; broadcast skipped", logx.String("trigger", trigger), logx.String("plant", rec.Plant))
		return TickResult{Record: rec, Superseded: true}, nil
	}
	if err != nil {
		d.log.Warn("record not persisted; broadcast skipped", logx.String("trigger", trigger), logx.Err(err))
		return TickResult{}, fmt.Errorf("persist record: %w", err)
	}
	rep, err := d.bc.Broadcast(ctx, trigger, measurement.Announcement(saved))
	if err != nil {
		return TickResult{Record: saved}, fmt.Errorf("announce record %s: %w", saved.ID, err)
	}
	d.log.Info("record announced",
		logx.String("trigger", trigger),
		logx.String("record", saved.ID),
		logx.String("plant", saved.Plant),
		logx.Int("delivered", rep.Delivered()),
		logx.Int("failed", len(rep.Failed)),
	)
	return TickResult{Record: saved, Report: rep}, nil
}
