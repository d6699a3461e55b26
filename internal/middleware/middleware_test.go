package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/BatmanBruc/coinmeter/internal/contextkeys"
	"github.com/BatmanBruc/coinmeter/types"
)

type chatUsers map[int64]string

func (c chatUsers) ChatUser(_ context.Context, chatID int64) (string, error) {
	if chatID < 0 {
		return "", errors.New("redis down")
	}
	if u, ok := c[chatID]; ok {
		return u, nil
	}
	return "", types.ErrNotFound
}

func TestResolveUser(t *testing.T) {
	m := NewMiddlewares(chatUsers{7: "fan"}, zerolog.Nop())

	tests := []struct {
		name     string
		update   *models.Update
		called   bool
		wantUser string
	}{
		{"linked chat", &models.Update{Message: &models.Message{Chat: models.Chat{ID: 7}}}, true, "fan"},
		{"unlinked chat", &models.Update{Message: &models.Message{Chat: models.Chat{ID: 8}}}, true, ""},
		{"lookup error", &models.Update{Message: &models.Message{Chat: models.Chat{ID: -3}}}, true, ""},
		{"callback", &models.Update{CallbackQuery: &models.CallbackQuery{
			Message: models.MaybeInaccessibleMessage{Message: &models.Message{Chat: models.Chat{ID: 7}}},
		}}, true, "fan"},
		{"no chat", &models.Update{}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			h := m.ResolveUser(func(ctx context.Context, _ *bot.Bot, _ *models.Update) {
				called = true
				if _, ok := contextkeys.GetChatID(ctx); !ok {
					t.Error("chat id missing from context")
				}
				userID, _ := contextkeys.GetUserID(ctx)
				if userID != tt.wantUser {
					t.Errorf("user = %q, want %q", userID, tt.wantUser)
				}
			})
			h(context.Background(), nil, tt.update)
			if called != tt.called {
				t.Fatalf("called = %v, want %v", called, tt.called)
			}
		})
	}
}
