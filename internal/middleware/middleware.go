package middleware

import (
	"context"
	"errors"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/BatmanBruc/coinmeter/internal/contextkeys"
	"github.com/BatmanBruc/coinmeter/types"
)

// ChatUsers maps a Telegram chat to the platform user that linked it.
type ChatUsers interface {
	ChatUser(ctx context.Context, chatID int64) (string, error)
}

type Middlewares struct {
	users ChatUsers
	log   zerolog.Logger
}

func NewMiddlewares(users ChatUsers, logger zerolog.Logger) *Middlewares {
	return &Middlewares{
		users: users,
		log:   logger.With().Str("component", "bot").Logger(),
	}
}

// ResolveUser puts the chat id and, for linked chats, the platform user id
// into the context. Updates without a chat are dropped.
func (m *Middlewares) ResolveUser(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		chatID := ChatIDFromUpdate(update)
		if chatID == 0 {
			return
		}
		ctx = contextkeys.WithChatID(ctx, chatID)

		userID, err := m.users.ChatUser(ctx, chatID)
		switch {
		case err == nil:
			ctx = contextkeys.WithUserID(ctx, userID)
		case !errors.Is(err, types.ErrNotFound):
			m.log.Warn().Err(err).Int64("chat_id", chatID).Msg("chat user lookup failed")
		}
		next(ctx, b, update)
	}
}

func ChatIDFromUpdate(update *models.Update) int64 {
	if update == nil {
		return 0
	}
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil {
		return chatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
	}
	return 0
}

func chatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}
