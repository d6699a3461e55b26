package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/coinmeter/types"
	"github.com/google/uuid"
)

// RedisUserStore keeps per-user state in Redis: the last balance read from
// the datastore, the notification contact and the Telegram link tokens.
// Contacts read through to the backing ContactStore on a miss.
type RedisUserStore struct {
	client   *RedisClient
	contacts types.ContactStore
	ttl      time.Duration
}

var (
	_ types.BalanceCache = (*RedisUserStore)(nil)
	_ types.ContactStore = (*RedisUserStore)(nil)
)

func NewRedisUserStore(redisClient *RedisClient, contacts types.ContactStore, ttlHours int) *RedisUserStore {
	ttl := time.Duration(ttlHours) * time.Hour
	if ttlHours <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisUserStore{
		client:   redisClient,
		contacts: contacts,
		ttl:      ttl,
	}
}

func (s *RedisUserStore) PutBalance(ctx context.Context, userID string, b types.Balance) error {
	b.Stale = false
	return s.client.Set(ctx, s.client.Key("user_balance", userID), b, s.ttl)
}

func (s *RedisUserStore) GetBalance(ctx context.Context, userID string) (types.Balance, error) {
	var b types.Balance
	if err := s.client.Get(ctx, s.client.Key("user_balance", userID), &b); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return types.Balance{}, types.ErrNotFound
		}
		return types.Balance{}, err
	}
	return b, nil
}

func (s *RedisUserStore) UpsertContact(ctx context.Context, c types.Contact) error {
	if s.contacts != nil {
		if err := s.contacts.UpsertContact(ctx, c); err != nil {
			return err
		}
	}
	return s.client.Set(ctx, s.client.Key("user_contact", c.UserID), c, s.ttl)
}

func (s *RedisUserStore) GetContact(ctx context.Context, userID string) (*types.Contact, error) {
	key := s.client.Key("user_contact", userID)
	var c types.Contact
	err := s.client.Get(ctx, key, &c)
	if err == nil {
		return &c, nil
	}
	if s.contacts == nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	found, err := s.contacts.GetContact(ctx, userID)
	if err != nil {
		return nil, err
	}
	_ = s.client.Set(ctx, key, found, s.ttl)
	return found, nil
}

// IssueLinkToken creates a one-time token that connects a chat to userID when
// the user opens the bot with it.
func (s *RedisUserStore) IssueLinkToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.client.Set(ctx, s.client.Key("link_token", token), userID, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// RedeemLinkToken consumes token and returns the user it was issued for. Of
// concurrent redeems of one token exactly one succeeds.
func (s *RedisUserStore) RedeemLinkToken(ctx context.Context, token string) (string, error) {
	var userID string
	if err := s.client.GetDel(ctx, s.client.Key("link_token", token), &userID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", types.ErrNotFound
		}
		return "", err
	}
	return userID, nil
}

// LinkChat stores the contact and the chat -> user mapping used by bot commands.
func (s *RedisUserStore) LinkChat(ctx context.Context, userID string, chatID int64) error {
	err := s.UpsertContact(ctx, types.Contact{UserID: userID, TelegramChatID: chatID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.client.Key("chat_user", strconv.FormatInt(chatID, 10)), userID, 0)
}

func (s *RedisUserStore) ChatUser(ctx context.Context, chatID int64) (string, error) {
	var userID string
	if err := s.client.Get(ctx, s.client.Key("chat_user", strconv.FormatInt(chatID, 10)), &userID); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return "", types.ErrNotFound
		}
		return "", err
	}
	return userID, nil
}
