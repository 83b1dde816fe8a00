package app

import (
	"context"
	"time"

	"carbonbot/internal/dispatcher"
	"carbonbot/internal/domain"
	"carbonbot/internal/transport/telegram/router"
)

type commandTimeouts struct {
	Ask       time.Duration
	Broadcast time.Duration
}

func reply(ctx context.Context, req *router.Request, rep dispatcher.Reply) error {
	return req.Reply(ctx, rep.Text, rep.Buttons)
}

func subscriberOf(req *router.Request) domain.SubscriberID {
	return domain.SubscriberFromChat(req.Chat.ChatID)
}

// chatCommands binds the chat surface to dispatcher intents. /help is added
// by the router.
func chatCommands(d *dispatcher.Dispatcher, to commandTimeouts) ([]router.Command, []router.CallbackRoute) {
	cmds := []router.Command{
		{
			Route:       "start",
			Aliases:     []string{"subscribe"},
			Description: "subscribe to carbon notifications",
			Handle: func(ctx context.Context, req *router.Request) error {
				return reply(ctx, req, d.Subscribe(ctx, subscriberOf(req)))
			},
		},
		{
			Route:       "cancel",
			Aliases:     []string{"unsubscribe", "stop"},
			Description: "stop carbon notifications",
			Handle: func(ctx context.Context, req *router.Request) error {
				return reply(ctx, req, d.Unsubscribe(ctx, subscriberOf(req)))
			},
		},
		{
			Route:       "carbon",
			Aliases:     []string{"latest"},
			Description: "show the latest carbon data",
			Handle: func(ctx context.Context, req *router.Request) error {
				return reply(ctx, req, d.Latest(ctx))
			},
		},
		{
			Route:       "ask",
			Aliases:     []string{"q"},
			Description: "ask a question about carbon emissions",
			Usage:       "/ask <question>",
			Timeout:     to.Ask,
			Handle: func(ctx context.Context, req *router.Request) error {
				progress := func() {
					_ = req.Reply(ctx, dispatcher.TextThinking, nil)
				}
				return reply(ctx, req, d.Ask(ctx, subscriberOf(req), req.Text, progress))
			},
		},
		{
			Route:       "role",
			Aliases:     []string{"setrole"},
			Description: "show or set your role",
			Usage:       "/role [manager|consumer|dealer]",
			Handle: func(ctx context.Context, req *router.Request) error {
				id := subscriberOf(req)
				if len(req.Args) == 0 {
					return reply(ctx, req, d.RolePicker(id))
				}
				return reply(ctx, req, d.SetRole(ctx, id, req.Args[0]))
			},
		},
		{
			Route:       "list",
			Aliases:     []string{"subscribers"},
			Description: "list subscriber chat ids",
			Access:      router.AccessAdmin,
			Handle: func(ctx context.Context, req *router.Request) error {
				return reply(ctx, req, d.List(ctx))
			},
		},
		{
			Route:       "broadcast",
			Aliases:     []string{"bc"},
			Description: "announce a message to every subscriber",
			Usage:       "/broadcast <message>",
			Access:      router.AccessAdmin,
			Timeout:     to.Broadcast,
			Handle: func(ctx context.Context, req *router.Request) error {
				return reply(ctx, req, d.AdminBroadcast(ctx, req.Text))
			},
		},
	}

	cbs := []router.CallbackRoute{
		{
			Namespace: "role",
			Action:    "set",
			Handle: func(ctx context.Context, req *router.Request, payload string) error {
				return reply(ctx, req, d.SetRole(ctx, subscriberOf(req), payload))
			},
		},
	}
	return cmds, cbs
}
