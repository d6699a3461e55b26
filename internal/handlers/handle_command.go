package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/BatmanBruc/coinmeter/internal/contextkeys"
	"github.com/BatmanBruc/coinmeter/internal/messages"
	"github.com/BatmanBruc/coinmeter/types"
)

func parseCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := fields[0]
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (bh *Handlers) HandleCommand(ctx context.Context, cmd string, args []string) string {
	switch cmd {
	case "/start":
		if len(args) == 0 {
			return messages.Help()
		}
		return bh.link(ctx, args[0])
	case "/balance":
		userID, ok := contextkeys.GetUserID(ctx)
		if !ok {
			return messages.NotLinked()
		}
		b := bh.balances.GetBalance(ctx, userID)
		return messages.Balance(b.Balance, b.AvailableBalance, b.HeldBalance, b.Stale)
	default:
		return messages.Help()
	}
}

func (bh *Handlers) link(ctx context.Context, token string) string {
	chatID, _ := contextkeys.GetChatID(ctx)
	userID, err := bh.links.RedeemLinkToken(ctx, token)
	if errors.Is(err, types.ErrNotFound) {
		return messages.LinkExpired()
	}
	if err != nil {
		bh.log.Error().Err(err).Int64("chat_id", chatID).Msg("redeem link token failed")
		return messages.ErrorDefault()
	}
	if err := bh.links.LinkChat(ctx, userID, chatID); err != nil {
		bh.log.Error().Err(err).Str("user_id", userID).Int64("chat_id", chatID).Msg("link chat failed")
		return messages.ErrorDefault()
	}
	bh.log.Info().Str("user_id", userID).Int64("chat_id", chatID).Msg("chat linked")
	return messages.Linked()
}
