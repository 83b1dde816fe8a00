package router

import (
	"context"
	"time"

	kit "carbonbot/internal/transport"
	logx "carbonbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessAdmin
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Route       string   // single word, e.g. "start"
	Aliases     []string // e.g. ["subscribe"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type CallbackHandlerFunc func(ctx context.Context, req *Request, payload string) error

// CallbackRoute handles inline-button data of the form "<namespace>:<action>:<payload>".
type CallbackRoute struct {
	Namespace string
	Action    string
	Access    Access
	Timeout   time.Duration
	Handle    CallbackHandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string // route or "cb:<namespace>:<action>"
	Args    []string
	// Text is everything after the command word, whitespace-trimmed.
	Text    string
	ReqID   string
	IsAdmin bool

	Adapter kit.Adapter
	Logger  logx.Logger
}

// Reply sends text (and an optional inline keyboard) back to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, buttons [][]kit.Button) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, Buttons: buttons})
	return err
}

type Config struct {
	// Workers caps how many chats are handled at once.
	Workers int
	// QueueSize bounds each chat's pending updates.
	QueueSize      int
	DefaultTimeout time.Duration
	AdminUserIDs   []int64
}
