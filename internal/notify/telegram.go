package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram sender
type TelegramConfig struct {
	Token  string
	ChatID string
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org
	APIURL  string
	Timeout time.Duration
}

// TelegramSender delivers messages to a single Telegram chat
type TelegramSender struct {
	bot  *tele.Bot
	chat chatRecipient
}

// chatRecipient addresses a chat by numeric id or @channel username
type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

// NewTelegramSender creates a sender without contacting Telegram
func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramSender{bot: bot, chat: chatRecipient(strings.TrimSpace(cfg.ChatID))}, nil
}

// Send posts an HTML message to the configured chat
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
		ParseMode: tele.ModeHTML,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
