package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML parse mode. With an argument it
// describes that command; otherwise it lists every command.
func (r *Router) helpText(args []string) string {
	r.mu.RLock()
	ordered := r.ordered
	byName := r.commands
	r.mu.RUnlock()

	if len(args) > 0 {
		name := normalizeWord(strings.TrimPrefix(args[0], "/"))
		c := byName[name]
		if c == nil {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> to see all commands."
		}
		return commandHelp(c)
	}

	rows := append([]*Command(nil), ordered...)
	sort.SliceStable(rows, func(i, j int) bool {
		if (rows[i].Access == AccessAdmin) != (rows[j].Access == AccessAdmin) {
			return rows[j].Access == AccessAdmin
		}
		return rows[i].Route < rows[j].Route
	})

	lines := []string{"📚 <b>Commands</b>", "Type <code>/help &lt;command&gt;</code> for details.", ""}
	for _, c := range rows {
		prefix := "• "
		if c.Access == AccessAdmin {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + html.EscapeString(c.Route) + "</code>"
		if d := strings.TrimSpace(c.Description); d != "" {
			line += " - " + html.EscapeString(d)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandHelp(c *Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Route) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessAdmin {
		lines = append(lines, "🔒 <i>Admins only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			if a = normalizeWord(a); a != "" {
				al = append(al, "<code>/"+html.EscapeString(a)+"</code>")
			}
		}
		sort.Strings(al)
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(al, ", "))
	}
	return strings.Join(lines, "\n")
}
