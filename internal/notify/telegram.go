package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"beacon/pkg/logx"
)

type TelegramConfig struct {
	Token  string
	ChatID int64
}

// Telegram sends critical alerts to an operator chat. It is one concrete
// Notifier; the engine neither knows nor cares that the surface is Telegram.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline mode is fine: this adapter only ever sends.
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: nil,
		Client: nil,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: cfg.ChatID, log: log}, nil
}

func (t *Telegram) Notify(ctx context.Context, title, body, priority, platformHint string) bool {
	_ = platformHint // telegram renders everything the same way

	var b strings.Builder
	b.WriteString(prefixForPriority(priority))
	b.WriteString("*")
	b.WriteString(title)
	b.WriteString("*")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}

	// Bound the call so a slow Telegram API can't wedge the dispatcher.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(t.chatID), b.String(), tele.ModeMarkdown)
		done <- err
	}()

	timer := time.NewTimer(8 * time.Second)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.log.Debug("telegram notify failed", logx.Err(err))
			return false
		}
		return true
	case <-timer.C:
		t.log.Debug("telegram notify timed out")
		return false
	case <-ctx.Done():
		return false
	}
}

func prefixForPriority(p string) string {
	switch strings.ToLower(p) {
	case "critical":
		return "🚨 "
	case "high":
		return "⚠️ "
	default:
		return ""
	}
}
