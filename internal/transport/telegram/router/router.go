// Package router turns chat updates into command invocations.
//
// Each chat gets a lane that handles its updates one at a time, so actions
// from one chat apply in the order they arrived. Lanes share a bounded pool of
// worker slots; a slow handler holds up only its own chat.
package router

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"carbonbot/internal/observability"
	rtsup "carbonbot/internal/runtime/supervisor"
	kit "carbonbot/internal/transport"
	logx "carbonbot/pkg/logx"
)

const (
	TextUnknownCommand = "unknown command, try /help"
	TextUnauthorized   = "unauthorized"
	TextBusy           = "busy, try again"
)

type Router struct {
	mu        sync.RWMutex
	commands  map[string]*Command // route and aliases -> command
	ordered   []*Command
	callbacks map[string]CallbackRoute // "<namespace>:<action>"
	admins    map[int64]struct{}

	cfg     Config
	log     logx.Logger
	adapter kit.Adapter
	metrics *observability.Metrics

	lanesMu sync.Mutex
	lanes   map[int64]*lane
	slots   chan struct{}
}

// lane holds one chat's pending updates in arrival order.
type lane struct {
	pending []kit.Update
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, metrics *observability.Metrics) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 64
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	r := &Router{
		commands:  map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		cfg:       cfg,
		log:       log,
		adapter:   adapter,
		metrics:   metrics,
		lanes:     map[int64]*lane{},
		slots:     make(chan struct{}, cfg.Workers),
	}
	r.SetAdmins(cfg.AdminUserIDs)
	return r
}

// SetAdmins replaces the admin allow-list. Safe during hot reload.
func (r *Router) SetAdmins(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.admins = m
	r.mu.Unlock()
}

func (r *Router) isAdmin(id int64) bool {
	r.mu.RLock()
	_, ok := r.admins[id]
	r.mu.RUnlock()
	return ok
}

// SetRegistry installs cmds (plus /help) and callbacks and returns the menu
// entries to publish.
func (r *Router) SetRegistry(cmds []Command, cbs []CallbackRoute) []kit.BotCommand {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(req.Args), &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
			return err
		},
	})

	byName := map[string]*Command{}
	ordered := make([]*Command, 0, len(cmds))
	for i := range cmds {
		c := &cmds[i]
		route := normalizeWord(c.Route)
		if route == "" || c.Handle == nil {
			continue
		}
		c.Route = route
		byName[route] = c
		ordered = append(ordered, c)
	}
	// Aliases never shadow a canonical route.
	for _, c := range ordered {
		for _, a := range c.Aliases {
			a = normalizeWord(a)
			if _, taken := byName[a]; a == "" || taken {
				continue
			}
			byName[a] = c
		}
	}

	cb := map[string]CallbackRoute{}
	for _, rt := range cbs {
		ns, act := strings.TrimSpace(rt.Namespace), strings.TrimSpace(rt.Action)
		if ns == "" || act == "" || rt.Handle == nil {
			continue
		}
		cb[ns+":"+act] = rt
	}

	r.mu.Lock()
	r.commands = byName
	r.ordered = ordered
	r.callbacks = cb
	r.mu.Unlock()
	return buildMenuCommands(ordered)
}

// Run consumes updates until ctx is cancelled or updates is closed.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("dispatcher started", logx.Int("workers", cap(r.slots)), logx.Int("queue_cap", r.cfg.QueueSize))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, sup, up)
		}
	}
}

// enqueue appends up to its chat's lane and starts a drainer when the lane
// was idle. It never blocks the update loop.
func (r *Router) enqueue(ctx context.Context, sup *rtsup.Supervisor, up kit.Update) {
	key := up.ChatKey()

	r.lanesMu.Lock()
	l := r.lanes[key]
	idle := l == nil
	if idle {
		l = &lane{}
		r.lanes[key] = l
	}
	full := len(l.pending) >= r.cfg.QueueSize
	if !full {
		l.pending = append(l.pending, up)
	}
	r.lanesMu.Unlock()

	if full {
		r.log.Warn("chat queue full; update rejected", logx.Int64("chat_id", key))
		switch {
		case up.Message != nil && isCommand(up.Message.Text):
			_, _ = r.adapter.SendText(ctx, kit.ChatTarget{ChatID: up.Message.ChatID, ThreadID: up.Message.ThreadID}, TextBusy, nil)
		case up.Callback != nil:
			_ = r.adapter.AnswerCallback(ctx, up.Callback.ID, TextBusy)
		}
		return
	}
	if idle {
		sup.Go0("chat.lane", func(c context.Context) { r.drain(c, key, l) })
	}
}

// drain handles l's updates one at a time while holding a worker slot, then
// retires the lane once it is empty.
func (r *Router) drain(ctx context.Context, key int64, l *lane) {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		r.retire(key, l)
		return
	}
	defer func() { <-r.slots }()

	for {
		r.lanesMu.Lock()
		if len(l.pending) == 0 || ctx.Err() != nil {
			if r.lanes[key] == l {
				delete(r.lanes, key)
			}
			r.lanesMu.Unlock()
			return
		}
		up := l.pending[0]
		l.pending[0] = kit.Update{}
		l.pending = l.pending[1:]
		r.lanesMu.Unlock()

		r.runJob(key, func() { r.handle(ctx, up) })
	}
}

func (r *Router) retire(key int64, l *lane) {
	r.lanesMu.Lock()
	if r.lanes[key] == l {
		delete(r.lanes, key)
	}
	r.lanesMu.Unlock()
}

func (r *Router) runJob(chatID int64, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in dispatch job", logx.Int64("chat_id", chatID), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		r.handleMessage(ctx, up)
	case kit.UpdateCallback:
		r.handleCallback(ctx, up)
	}
}

func (r *Router) handleMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	r.mu.RLock()
	cmd := r.commands[word]
	r.mu.RUnlock()
	if cmd == nil {
		_, _ = r.adapter.SendText(ctx, chat, TextUnknownCommand, nil)
		return
	}
	admin := r.isAdmin(msg.FromID)
	if cmd.Access == AccessAdmin && !admin {
		_, _ = r.adapter.SendText(ctx, chat, TextUnauthorized, nil)
		return
	}
	r.metrics.Command(cmd.Route)

	req := r.newRequest(up, chat, msg.FromID, cmd.Route, admin)
	req.Text = rest
	req.Args = strings.Fields(rest)
	r.invoke(ctx, req, cmd.Handle, cmd.Timeout)
}

func (r *Router) handleCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(cb.Data, ":", 3)
	if len(parts) < 2 {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}
	key := parts[0] + ":" + parts[1]

	r.mu.RLock()
	route, ok := r.callbacks[key]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	admin := r.isAdmin(cb.FromID)
	if route.Access == AccessAdmin && !admin {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, TextUnauthorized)
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "cb:"+key, admin)
	r.invoke(ctx, req, func(c context.Context, rq *Request) error { return route.Handle(c, rq, payload) }, route.Timeout)
	// Stops the client's loading indicator.
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, from int64, command string, admin bool) *Request {
	rid := uuid.NewString()
	return &Request{
		Update:  up,
		Chat:    chat,
		FromID:  from,
		Command: command,
		ReqID:   rid,
		IsAdmin: admin,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", from),
			logx.String("cmd", command),
		),
	}
}

func (r *Router) invoke(ctx context.Context, req *Request, h HandlerFunc, timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	final := Chain(h,
		Log(),
		Recover(),
		Timeout(timeout),
	)
	_ = final(ctx, req)
}

func isCommand(text string) bool {
	_, _, ok := splitCommand(text)
	return ok
}

// splitCommand parses "/word@bot rest of text" into ("word", "rest of text").
func splitCommand(text string) (string, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i:] + " " + rest
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = normalizeWord(word)
	if word == "" {
		return "", "", false
	}
	return word, strings.TrimSpace(rest), true
}

func normalizeWord(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
