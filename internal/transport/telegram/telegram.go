// Package telegram delivers notifications to a Telegram chat (optionally a
// forum topic) through the Bot API. It is send-only: no updates are polled.
package telegram

import (
	"context"
	"errors"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	"pricewatch/internal/transport"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API base URL (tests, self-hosted API servers).
	APIURL string
}

type Adapter struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (a *Adapter) Name() string { return "telegram" }

// Send renders m as HTML. telebot has no per-call context, so ctx is only
// checked before the request.
func (a *Adapter) Send(ctx context.Context, m transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(a.chat, render(m), &tele.SendOptions{
		ThreadID:              a.threadID,
		DisableWebPagePreview: true,
		ParseMode:             tele.ModeHTML,
	})
	return err
}

func render(m transport.Message) string {
	var sb strings.Builder
	if m.Priority >= transport.PriorityHigh {
		sb.WriteString("🔔 ")
	}
	if m.Title != "" {
		sb.WriteString("<b>" + html.EscapeString(m.Title) + "</b>\n")
	}
	sb.WriteString(html.EscapeString(m.Body))
	if m.Click != "" {
		sb.WriteString("\n" + `<a href="` + html.EscapeString(m.Click) + `">Open product</a>`)
	}
	return sb.String()
}
