// Package handlers serves the Telegram bot: linking a chat to a platform
// user for notifications and a few read-only wallet commands.
package handlers

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/BatmanBruc/coinmeter/internal/contextkeys"
	"github.com/BatmanBruc/coinmeter/internal/messages"
	"github.com/BatmanBruc/coinmeter/types"
)

type Linker interface {
	RedeemLinkToken(ctx context.Context, token string) (string, error)
	LinkChat(ctx context.Context, userID string, chatID int64) error
}

type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) types.Balance
}

type Handlers struct {
	links    Linker
	balances BalanceReader
	log      zerolog.Logger
}

func NewHandlers(links Linker, balances BalanceReader, logger zerolog.Logger) *Handlers {
	return &Handlers{
		links:    links,
		balances: balances,
		log:      logger.With().Str("component", "bot").Logger(),
	}
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID, ok := contextkeys.GetChatID(ctx)
	if !ok {
		return
	}
	text := bh.Respond(ctx, update)
	if text == "" {
		return
	}
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		bh.log.Warn().Err(err).Int64("chat_id", chatID).Msg("bot reply failed")
	}
}

// Respond returns the reply text for update, or "" when nothing is sent.
func (bh *Handlers) Respond(ctx context.Context, update *models.Update) string {
	if update == nil || update.Message == nil {
		return ""
	}
	if cmd, args, ok := parseCommand(update.Message.Text); ok {
		return bh.HandleCommand(ctx, cmd, args)
	}
	return messages.Help()
}
