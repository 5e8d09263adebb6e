package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v3"
)

// ErrDisabled is returned when no bot token or chat is configured.
var ErrDisabled = errors.New("telegram notifications disabled: TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID are required")

var newBot = tele.NewBot

// NewBot builds the Telegram client. With poll set the bot also answers
// commands through a long poller; otherwise it only sends.
func NewBot(token string, poll bool) (*tele.Bot, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrDisabled
	}
	pref := tele.Settings{Token: token, Offline: !poll}
	if poll {
		pref.Poller = &tele.LongPoller{Timeout: 10 * time.Second}
	}
	b, err := newBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return b, nil
}

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Notifier posts run summaries to one chat.
type Notifier struct {
	bot    sender
	chatID int64
	log    zerolog.Logger
}

func NewNotifier(b sender, chatID int64, log zerolog.Logger) (*Notifier, error) {
	if b == nil || chatID == 0 {
		return nil, ErrDisabled
	}
	return &Notifier{bot: b, chatID: chatID, log: log.With().Str("component", "telegram").Logger()}, nil
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := n.bot.Send(&tele.Chat{ID: n.chatID}, text); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	n.log.Debug().Int64("chat_id", n.chatID).Msg("Run summary sent")
	return nil
}

// LastRunFunc returns the summary of the most recent run, if any.
type LastRunFunc func() (string, bool)

// RegisterCommands wires the chat commands served while the scraper runs on
// a schedule.
func RegisterCommands(b *tele.Bot, last LastRunFunc, next func() time.Time) {
	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})
	b.Handle("/last", func(c tele.Context) error {
		return c.Send(lastRunReply(last))
	})
	b.Handle("/next", func(c tele.Context) error {
		return c.Send(nextRunReply(next))
	})
}

func lastRunReply(last LastRunFunc) string {
	if last == nil {
		return "No runs yet."
	}
	summary, ok := last()
	if !ok {
		return "No runs yet."
	}
	return summary
}

func nextRunReply(next func() time.Time) string {
	if next == nil {
		return "No scheduled runs."
	}
	at := next()
	if at.IsZero() {
		return "No scheduled runs."
	}
	return "Next run: " + at.UTC().Format(time.RFC1123)
}
