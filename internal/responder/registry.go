// Package responder builds role-specific completion requests.
//
// Respond never panics and never returns an error value: every call ends in
// exactly one Outcome, and the caller picks the reply from it.
package responder

import (
	"context"
	"strings"
	"time"

	"carbonbot/internal/completion"
	"carbonbot/internal/observability"
	"carbonbot/internal/roles"
	logx "carbonbot/pkg/logx"
)

type Outcome int

const (
	OutcomeAnswer Outcome = iota
	OutcomeEmptyQuery
	OutcomeCompletionFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAnswer:
		return "answer"
	case OutcomeEmptyQuery:
		return "empty_query"
	case OutcomeCompletionFailed:
		return "completion_failed"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	// Role is the role whose policy actually served the request.
	Role   roles.Role
	Answer string
	// Cause is set for OutcomeCompletionFailed. It is for logs only.
	Cause error
}

type Registry struct {
	completer completion.Completer
	contexts  map[roles.Role]string
	log       logx.Logger
	metrics   *observability.Metrics
}

// NewRegistry precomputes the system context of every role in ref.
func NewRegistry(c completion.Completer, ref Reference, log logx.Logger, metrics *observability.Metrics) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{
		completer: c,
		contexts:  make(map[roles.Role]string, len(ref.Roles)),
		log:       log,
		metrics:   metrics,
	}
	for role, p := range ref.Roles {
		r.contexts[role] = buildContext(ref.Framing, role, p)
	}
	return r
}

func buildContext(framing string, role roles.Role, p rolePolicy) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(framing))
	b.WriteString("\n\nThe user is a ")
	b.WriteString(string(role))
	if a := strings.TrimSpace(p.Audience); a != "" {
		b.WriteString(": ")
		b.WriteString(a)
	}
	b.WriteString(".\n")
	if len(p.Tables) > 0 {
		b.WriteString("\nReference data:\n")
		for _, t := range p.Tables {
			b.WriteString("\n")
			t.render(&b)
		}
	}
	return b.String()
}

// resolve maps unknown roles to the default policy.
func (r *Registry) resolve(role roles.Role) roles.Role {
	if _, ok := r.contexts[role]; ok {
		return role
	}
	return roles.Default
}

// SystemContext returns the instruction context used for role.
func (r *Registry) SystemContext(role roles.Role) string {
	return r.contexts[r.resolve(role)]
}

func (r *Registry) Respond(ctx context.Context, role roles.Role, question string) Result {
	served := r.resolve(role)
	q := strings.TrimSpace(question)
	if q == "" {
		return Result{Outcome: OutcomeEmptyQuery, Role: served}
	}

	start := time.Now()
	answer, err := r.completer.Complete(ctx, r.contexts[served], q)
	took := time.Since(start)
	r.metrics.Completion(string(served), err, took)
	if err != nil {
		r.log.Warn("completion failed",
			logx.String("role", string(served)),
			logx.Duration("took", took),
			logx.Err(err),
		)
		return Result{Outcome: OutcomeCompletionFailed, Role: served, Cause: err}
	}
	r.log.Debug("completion answered", logx.String("role", string(served)), logx.Duration("took", took), logx.Int("chars", len(answer)))
	return Result{Outcome: OutcomeAnswer, Role: served, Answer: answer}
}
