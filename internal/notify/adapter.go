package notify

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"visaquest/pkg/logx"
)

// Adapter pushes a notification through one background channel.
type Adapter interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// logAdapter is the fallback sink: it makes deliveries observable in
// the daemon log when no real channel is configured. It does not count
// as a user-visible surface, so the bridge still reports degraded mode
// when it is the only adapter.
type logAdapter struct{ log logx.Logger }

func NewLogAdapter(log logx.Logger) Adapter { return &logAdapter{log: log} }

func (a *logAdapter) Name() string { return "log" }

func (a *logAdapter) Send(_ context.Context, n Notification) error {
	a.log.Info("notification",
		logx.String("user", n.UserKey),
		logx.String("title", n.Title),
		logx.String("tag", n.Tag),
		logx.Bool("silent", n.Silent))
	return nil
}

// TelegramConfig wires the optional Telegram delivery channel. ChatIDs
// maps user keys to chat ids; users without a mapping fall through to
// the next adapter.
type TelegramConfig struct {
	Token   string
	ChatIDs map[string]int64
}

type telegramAdapter struct {
	bot   *tele.Bot
	chats map[string]int64
	log   logx.Logger
}

// NewTelegramAdapter builds a send-only Telegram adapter. The bot is
// not started in polling mode; the bridge only pushes messages.
func NewTelegramAdapter(cfg TelegramConfig, log logx.Logger) (Adapter, error) {
	bot, err := tele.NewBot(tele.Settings{Token: strings.TrimSpace(cfg.Token), Offline: false})
	if err != nil {
		return nil, err
	}
	return &telegramAdapter{bot: bot, chats: cfg.ChatIDs, log: log}, nil
}

func (a *telegramAdapter) Name() string { return "telegram" }

func (a *telegramAdapter) Send(ctx context.Context, n Notification) error {
	chatID, ok := a.chats[n.UserKey]
	if !ok {
		return ErrNoAdapter
	}
	text := "*" + escapeMD(n.Title) + "*"
	if n.Body != "" {
		text += "\n" + escapeMD(n.Body)
	}
	opts := &tele.SendOptions{ParseMode: tele.ModeMarkdown}
	if n.Silent {
		opts.DisableNotification = true
	}
	_, err := a.bot.Send(tele.ChatID(chatID), text, opts)
	return err
}

func escapeMD(s string) string {
	r := strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")
	return r.Replace(s)
}
