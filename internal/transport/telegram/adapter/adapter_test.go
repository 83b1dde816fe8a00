package adapter

import (
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "carbonbot/internal/transport"
)

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	text := strings.Join([]string{line, line, line, line}, "\n")

	chunks := splitText(text, 70, "")
	if len(chunks) < 2 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 70 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
		if strings.HasPrefix(c, "\n") || strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk keeps boundary newline: %q", c)
		}
	}
	if got := strings.Join(chunks, "\n"); got != text {
		t.Fatalf("round trip mismatch")
	}
	if got := splitText("short", 70, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short=%v", got)
	}
}

func TestSplitTextAvoidsCuttingHTMLTags(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 8) + "<b>bold</b>"
	for _, c := range splitText(text, 10, tele.ModeHTML) {
		if strings.Count(c, "<") != strings.Count(c, ">") {
			t.Fatalf("tag split across chunks: %q", c)
		}
	}
}

func TestInlineMarkup(t *testing.T) {
	t.Parallel()
	rm := inlineMarkup([][]kit.Button{
		{{Text: "📊 Open carbon dashboard", WebAppURL: "https://cfmcloud.web.app"}},
		{{Text: "🧠 Model decision system", URL: "https://example.org"}, {Text: "", Data: "x"}},
		{{Text: "manager", Data: "role:set:manager"}, {Text: "noop"}},
		{},
	})
	if rm == nil || len(rm.InlineKeyboard) != 3 {
		t.Fatalf("markup=%+v", rm)
	}
	if b := rm.InlineKeyboard[0][0]; b.WebApp == nil || b.WebApp.URL != "https://cfmcloud.web.app" {
		t.Fatalf("web app button=%+v", b)
	}
	if row := rm.InlineKeyboard[1]; len(row) != 1 || row[0].URL != "https://example.org" {
		t.Fatalf("url row=%+v", row)
	}
	if row := rm.InlineKeyboard[2]; len(row) != 1 || row[0].Data != "role:set:manager" {
		t.Fatalf("callback row=%+v", row)
	}
	if inlineMarkup(nil) != nil {
		t.Fatalf("no buttons should produce no markup")
	}
}

func TestMenuCommandsHashAndLimits(t *testing.T) {
	t.Parallel()
	cmds := []kit.BotCommand{{Command: "start", Description: "Subscribe"}, {Command: ""}, {Command: "help"}}
	list, h1 := menuCommands(cmds)
	if len(list) != 2 || list[1].Description != "help" {
		t.Fatalf("list=%+v", list)
	}
	_, h2 := menuCommands([]kit.BotCommand{{Command: "start", Description: "Subscribe"}, {Command: "help"}})
	if h1 != h2 {
		t.Fatalf("hash should ignore dropped entries")
	}
	long := []kit.BotCommand{{Command: "x", Description: strings.Repeat("é", 300)}}
	if l, _ := menuCommands(long); len([]rune(l[0].Description)) != maxMenuDescription {
		t.Fatalf("description not truncated")
	}
}

func TestUpdateConversion(t *testing.T) {
	t.Parallel()
	up, ok := messageUpdate(&tele.Message{ID: 3, Text: "/start", Chat: &tele.Chat{ID: 42, Type: tele.ChatPrivate}, Sender: &tele.User{ID: 7}})
	if !ok || up.ChatKey() != 42 || up.Message.FromID != 7 || up.Message.IsGroup {
		t.Fatalf("message update=%+v", up.Message)
	}
	if _, ok := messageUpdate(&tele.Message{}); ok {
		t.Fatalf("message without chat accepted")
	}
	cb, ok := callbackUpdate(&tele.Callback{ID: "c", Data: " role:set:dealer ", Sender: &tele.User{ID: 7}, Message: &tele.Message{ID: 9, Chat: &tele.Chat{ID: -5}}})
	if !ok || cb.ChatKey() != -5 || cb.Callback.Data != "role:set:dealer" || cb.Callback.MessageID != 9 {
		t.Fatalf("callback update=%+v", cb.Callback)
	}
}

func TestClientTimeoutCoversPollAndSends(t *testing.T) {
	t.Parallel()
	cases := []struct {
		poll, request, want time.Duration
	}{
		{10 * time.Second, 10 * time.Second, 15 * time.Second},
		{10 * time.Second, time.Minute, time.Minute},
		{30 * time.Second, 0, 35 * time.Second},
	}
	for _, tc := range cases {
		if got := clientTimeout(tc.poll, tc.request); got != tc.want {
			t.Fatalf("clientTimeout(%v, %v)=%v want %v", tc.poll, tc.request, got, tc.want)
		}
	}
}
