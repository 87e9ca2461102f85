package notifier

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"

	logx "govcast/pkg/logx"
)

// Sink delivers alert text to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// TelegramSender is the subset of *tele.Bot used for alerts.
type TelegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Telegram posts alerts to an operator chat, optionally inside a forum topic.
type Telegram struct {
	bot      TelegramSender
	chat     *tele.Chat
	threadID int
}

func NewTelegram(bot TelegramSender, chatID int64, threadID int) *Telegram {
	return &Telegram{bot: bot, chat: &tele.Chat{ID: chatID}, threadID: threadID}
}

// NewTelegramBot builds a send-only bot for cfg.
func NewTelegramBot(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notifier: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notifier: telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Synchronous: true, Offline: true})
	if err != nil {
		return nil, err
	}
	return NewTelegram(b, cfg.ChatID, cfg.ThreadID), nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{DisableWebPagePreview: true, ThreadID: t.threadID})
	return err
}

// Log writes alerts to the service log. It never fails.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log { return &Log{log: log.With(logx.String("comp", "alert"))} }

func (l *Log) Name() string { return "log" }

func (l *Log) Send(_ context.Context, text string) error {
	l.log.Warn(text)
	return nil
}
