package adapter

import (
	"context"
	"hash/fnv"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "carbonbot/internal/transport"
	logx "carbonbot/pkg/logx"
)

// Telegram limits for setMyCommands.
const (
	maxMenuCommands    = 100
	maxMenuDescription = 256
)

// menuCommands normalizes cmds for setMyCommands and returns a content hash.
func menuCommands(cmds []kit.BotCommand) ([]tele.Command, uint64) {
	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if utf8.RuneCountInString(d) > maxMenuDescription {
			d = string([]rune(d)[:maxMenuDescription])
		}
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
		out = append(out, tele.Command{Text: c.Command, Description: d})
		if len(out) >= maxMenuCommands {
			break
		}
	}
	return out, h.Sum64()
}

// UpdateMenuCommands publishes the command menu. It only calls Telegram when
// the list changed since the last successful update.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	list, sum := menuCommands(cmds)

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if sum == a.menuHash {
		return nil
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
