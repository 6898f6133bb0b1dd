package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"call-insights/internal/reporting"
)

type sent struct {
	path   string
	chatID string
	text   string
	mode   string
}

type fakeBot struct {
	mu       sync.Mutex
	messages []sent
	statuses []int
}

func (b *fakeBot) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	b.mu.Lock()
	b.messages = append(b.messages, sent{
		path:   r.URL.Path,
		chatID: r.PostForm.Get("chat_id"),
		text:   r.PostForm.Get("text"),
		mode:   r.PostForm.Get("parse_mode"),
	})
	status := http.StatusOK
	if len(b.statuses) > 0 {
		status = b.statuses[0]
		b.statuses = b.statuses[1:]
	}
	b.mu.Unlock()
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (b *fakeBot) all() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.messages...)
}

func newTestTelegram(t *testing.T, bot *fakeBot, dir Directory) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(bot.handler))
	t.Cleanup(srv.Close)
	tg := NewTelegram("TOKEN", "admin-chat", dir, nil)
	tg.APIBase = srv.URL
	tg.MaxElapsed = 2 * time.Second
	return tg
}

func TestTelegram_CallCompletedGoesToLinkedChat(t *testing.T) {
	bot := &fakeBot{}
	dir := NewMemoryDirectory()
	_ = dir.SetChatID(context.Background(), "u1", "4242")
	tg := newTestTelegram(t, bot, dir)

	if err := tg.CallCompleted(context.Background(), "u1", "call-1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	msgs := bot.all()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.path != "/botTOKEN/sendMessage" || m.chatID != "4242" || m.mode != "HTML" {
		t.Fatalf("unexpected request: %+v", m)
	}
	if !strings.Contains(m.text, "<code>call-1</code>") {
		t.Fatalf("message must reference the call: %q", m.text)
	}
}

func TestTelegram_UnlinkedUserIsSkipped(t *testing.T) {
	bot := &fakeBot{}
	tg := newTestTelegram(t, bot, NewMemoryDirectory())

	if err := tg.CallFailed(context.Background(), "nobody", "c", "boom"); err != nil {
		t.Fatalf("unlinked user must not error: %v", err)
	}
	if len(bot.all()) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestTelegram_ErrorTextIsEscaped(t *testing.T) {
	bot := &fakeBot{}
	dir := NewMemoryDirectory()
	_ = dir.SetChatID(context.Background(), "u1", "1")
	tg := newTestTelegram(t, bot, dir)

	if err := tg.CallFailed(context.Background(), "u1", "c", "<script>"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if text := bot.all()[0].text; strings.Contains(text, "<script>") || !strings.Contains(text, "&lt;script&gt;") {
		t.Fatalf("error must be html-escaped: %q", text)
	}
}

func TestTelegram_RetriesServerErrorsOnly(t *testing.T) {
	bot := &fakeBot{statuses: []int{http.StatusBadGateway, http.StatusOK}}
	tg := newTestTelegram(t, bot, nil)

	if err := tg.SendDailyReport(context.Background(), reporting.DailyReport{Date: "2025-03-14"}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if n := len(bot.all()); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}

	bad := &fakeBot{statuses: []int{http.StatusBadRequest}}
	tg = newTestTelegram(t, bad, nil)
	if err := tg.SendDailyReport(context.Background(), reporting.DailyReport{Date: "2025-03-14"}); err == nil {
		t.Fatalf("expected client error to surface")
	}
	if n := len(bad.all()); n != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", n)
	}
}

func TestTelegram_UnconfiguredIsNoop(t *testing.T) {
	tg := NewTelegram("", "", NewMemoryDirectory(), nil)
	if tg.Configured() {
		t.Fatalf("empty token must be unconfigured")
	}
	if err := tg.CallCompleted(context.Background(), "u", "c"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := tg.SendDailyReport(context.Background(), reporting.DailyReport{}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestFormatDailyReport(t *testing.T) {
	msg := FormatDailyReport(reporting.DailyReport{
		Date: "2025-03-14", TotalCalls: 4, CompletedCalls: 2, FailedCalls: 1,
		TotalDurationSeconds: 90, AverageDurationSeconds: 45,
	})
	for _, want := range []string{"14.03.2025", "Total calls: 4", "Failed: 1", "90.0 s", "45.0 s"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestMemoryDirectory_EmptyChatUnlinks(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()
	_ = dir.SetChatID(ctx, "u", "1")
	_ = dir.SetChatID(ctx, "u", "  ")
	if _, ok, _ := dir.ChatID(ctx, "u"); ok {
		t.Fatalf("blank chat id must unlink")
	}
}
