package notify

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"call-insights/internal/pipeline"
	"call-insights/internal/reporting"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram delivers user and admin notifications through the Bot API.
//
// IMPORTANT:
//   - Delivery is best-effort. Callers log errors and move on.
//   - An unconfigured notifier (no token) is a no-op that returns nil.
//   - A user without a linked chat is skipped, not an error.
type Telegram struct {
	token       string
	adminChatID string
	dir         Directory
	client      *http.Client
	log         *slog.Logger

	// APIBase is overridable for tests.
	APIBase string
	// MaxElapsed bounds retries of a single message.
	MaxElapsed time.Duration
}

func NewTelegram(token, adminChatID string, dir Directory, log *slog.Logger) *Telegram {
	if log == nil {
		log = slog.Default()
	}
	return &Telegram{
		token:       strings.TrimSpace(token),
		adminChatID: strings.TrimSpace(adminChatID),
		dir:         dir,
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         log.With("component", "notify"),
		APIBase:     defaultAPIBase,
		MaxElapsed:  30 * time.Second,
	}
}

// Configured reports whether a bot token is present.
func (t *Telegram) Configured() bool { return t != nil && t.token != "" }

// CallCompleted tells the owner their transcription is ready.
func (t *Telegram) CallCompleted(ctx context.Context, ownerID, callID string) error {
	msg := fmt.Sprintf("✅ <b>Transcription ready</b>\n\n🆔 Call: <code>%s</code>\n\nUse /calls to see the result.",
		html.EscapeString(callID))
	return t.sendToUser(ctx, ownerID, msg)
}

// CallFailed tells the owner processing gave up.
func (t *Telegram) CallFailed(ctx context.Context, ownerID, callID, message string) error {
	msg := fmt.Sprintf("❌ <b>Call processing failed</b>\n\n🆔 Call: <code>%s</code>\n⚠️ Error: %s\n\nTry uploading the file again.",
		html.EscapeString(callID), html.EscapeString(message))
	return t.sendToUser(ctx, ownerID, msg)
}

// SendDailyReport posts the rollup to the admin chat.
func (t *Telegram) SendDailyReport(ctx context.Context, r reporting.DailyReport) error {
	if !t.Configured() || t.adminChatID == "" {
		t.log.Debug("daily report not sent: admin chat not configured", "date", r.Date)
		return nil
	}
	return t.send(ctx, t.adminChatID, FormatDailyReport(r))
}

// FormatDailyReport renders r as a Telegram HTML message.
func FormatDailyReport(r reporting.DailyReport) string {
	date := r.Date
	if d, err := time.Parse(reporting.DateLayout, r.Date); err == nil {
		date = d.Format("02.01.2006")
	}
	return fmt.Sprintf("📊 <b>Daily report for %s</b>\n\n"+
		"📞 Total calls: %d\n"+
		"✅ Completed: %d\n"+
		"❌ Failed: %d\n"+
		"⏱ Total duration: %.1f s\n"+
		"📈 Average duration: %.1f s",
		date, r.TotalCalls, r.CompletedCalls, r.FailedCalls, r.TotalDurationSeconds, r.AverageDurationSeconds)
}

func (t *Telegram) sendToUser(ctx context.Context, userID, text string) error {
	if !t.Configured() {
		return nil
	}
	if t.dir == nil {
		return nil
	}
	chatID, ok, err := t.dir.ChatID(ctx, userID)
	if err != nil {
		return fmt.Errorf("notify: lookup chat: %w", err)
	}
	if !ok {
		t.log.Debug("user has no linked chat", "user_id", userID)
		return nil
	}
	return t.send(ctx, chatID, text)
}

func (t *Telegram) send(ctx context.Context, chatID, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.APIBase, "/"), t.token)
	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	form.Set("parse_mode", "HTML")
	body := form.Encode()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("new request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err != nil {
			return fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("telegram error: %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("telegram error: %s", resp.Status))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = t.MaxElapsed
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("notify: send to %s: %w", chatID, err)
	}
	t.log.Info("notification sent", "chat_id", chatID)
	return nil
}

var (
	_ pipeline.Notifier   = (*Telegram)(nil)
	_ reporting.Publisher = (*Telegram)(nil)
)
