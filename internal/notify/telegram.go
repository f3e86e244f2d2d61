package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// sender is the part of tgbotapi.BotAPI used for notifications.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts interview outcomes to a recruiter chat.
type Telegram struct {
	bot    sender
	chatID int64

	disabled bool
	reason   string
}

// NewTelegram authenticates the bot token against the Telegram API.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("missing telegram token")
	}
	if chatID == 0 {
		return nil, errors.New("missing telegram chat id")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Disable(reason string) {
	t.disabled = true
	t.reason = reason
}

func (t *Telegram) IsEnabled() bool { return !t.disabled }

func (t *Telegram) Notify(_ context.Context, o Outcome) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatOutcome(o))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	_, err := t.bot.Send(msg)
	return err
}

func (t *Telegram) Status() Status {
	return Status{
		Name:    t.Name(),
		Enabled: t.IsEnabled(),
		Reason:  t.reason,
		Details: map[string]string{"chat_id": strconv.FormatInt(t.chatID, 10)},
	}
}

// FormatOutcome renders o as a Telegram HTML message.
func FormatOutcome(o Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📞 <b>Screening call %s</b>\n", html.EscapeString(o.CallID))
	fmt.Fprintf(&b, "Status: %s, exchanges: %d\n", html.EscapeString(string(o.Status)), o.ExchangeCount)

	e := o.Evaluation
	if e == nil {
		b.WriteString("No evaluation: the candidate was not interviewed.")
		return b.String()
	}

	fmt.Fprintf(&b, "Decision: <b>%s</b> (overall %.1f)\n", html.EscapeString(string(e.Decision)), e.OverallScore)
	fmt.Fprintf(&b, "Technical %d · Experience %d · Communication %d · Problem solving %d · Culture %d\n",
		e.TechnicalFit, e.ExperienceRelevance, e.Communication, e.ProblemSolving, e.CultureFit)
	if e.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(e.Summary))
	}
	writeList(&b, "Strengths", e.Strengths)
	writeList(&b, "Concerns", e.Concerns)
	return strings.TrimRight(b.String(), "\n")
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n<i>%s</i>\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "• %s\n", html.EscapeString(item))
	}
}
