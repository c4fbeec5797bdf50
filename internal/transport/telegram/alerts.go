// Package telegram delivers log alerts to a Telegram chat. The bot never polls;
// it only sends.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

// AlertSink implements logx.AlertSender.
type AlertSink struct {
	bot *tele.Bot
}

func NewAlertSink(token string) (*AlertSink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &AlertSink{bot: b}, nil
}

// SendAlert posts text to the chat id in target, inside threadID when non-zero.
func (a *AlertSink) SendAlert(ctx context.Context, target string, threadID int, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(target), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram alert target %q: %w", target, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rs := []rune(text)
	if len(rs) > textLimit {
		text = string(rs[:textLimit])
	}
	_, err = a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	return err
}
