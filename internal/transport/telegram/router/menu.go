package router

import (
	"strings"
	"unicode"

	kit "carbonbot/internal/transport"
)

// sanitizeTelegramCommand converts a route into a Telegram command name,
// which is restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

// buildMenuCommands lists public commands first, then admin ones, each
// keeping registration order.
func buildMenuCommands(cmds []*Command) []kit.BotCommand {
	seen := map[string]bool{}
	var public, admin []kit.BotCommand
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Route)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessAdmin {
			admin = append(admin, kit.BotCommand{Command: name, Description: "🔒 " + desc})
			continue
		}
		public = append(public, kit.BotCommand{Command: name, Description: desc})
	}
	return append(public, admin...)
}
