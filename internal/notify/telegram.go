package notify

import (
	"context"
	"errors"

	"github.com/BatmanBruc/coinmeter/internal/messages"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Sender is the part of *bot.Bot the notifier uses.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramNotifier sends a short HTML text to every recipient that has linked
// a Telegram chat. Recipients without a contact are skipped.
type TelegramNotifier struct {
	sender   Sender
	contacts types.ContactStore
}

func NewTelegramNotifier(sender Sender, contacts types.ContactStore) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, contacts: contacts}
}

func (n *TelegramNotifier) Notify(ctx context.Context, ev Event) error {
	text := Render(ev)
	if text == "" {
		return nil
	}
	var errs []error
	for _, userID := range ev.Recipients {
		c, err := n.contacts.GetContact(ctx, userID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_, err = n.sender.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:    c.TelegramChatID,
			Text:      text,
			ParseMode: messages.ParseModeHTML,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Render returns the chat text for ev, or "" for events that are not worth a
// chat message.
func Render(ev Event) string {
	switch ev.Type {
	case EventCallRequested:
		return messages.CallRequested(ev.CallType, ev.RatePerMinute)
	case EventCallAccepted:
		return messages.CallAccepted()
	case EventCallRejected, EventCallCancelled, EventCallExpired:
		return messages.CallClosed(ev.Status)
	case EventCallEnded:
		return messages.CallEnded(ev.DurationSeconds, ev.ChargedCoins)
	case EventSessionLowBalance:
		return messages.LowBalance(ev.MinutesRemaining)
	case EventSessionEnded:
		return messages.SessionEnded(ev.Reason, ev.ChargedCoins)
	case EventSubscriptionStarted:
		return messages.SubscriptionStarted(ev.ChargedCoins, ev.NextAt)
	case EventSubscriptionRenewed:
		return messages.SubscriptionRenewed(ev.ChargedCoins, ev.NextAt)
	case EventSubscriptionPastDue:
		return messages.SubscriptionPastDue(ev.NextAt)
	case EventSubscriptionEnded:
		return messages.SubscriptionEnded()
	default:
		return ""
	}
}
