// Package idempotency guards side-effecting operations with a short-lived
// claim in Redis. The first caller for a key runs the operation; any other
// caller within the TTL gets types.ErrDuplicate.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/BatmanBruc/coinmeter/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTTL = 10 * time.Minute

const maxPlainPart = 64

// Backend is the claim store. *store.RedisClient implements it.
type Backend interface {
	Key(parts ...string) string
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DelIfEquals(ctx context.Context, key, value string) (bool, error)
}

type Locker struct {
	backend Backend
	ttl     time.Duration
	log     zerolog.Logger
}

func NewLocker(backend Backend, ttl time.Duration, logger zerolog.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{
		backend: backend,
		ttl:     ttl,
		log:     logger.With().Str("component", "idempotency").Logger(),
	}
}

// Do runs fn at most once per key within ttl (the locker default when zero).
// When fn fails the claim is dropped, but only if this caller still owns it,
// so the client may retry with the same key. On success the claim stays until
// it expires.
func (l *Locker) Do(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if key == "" {
		return errors.Join(types.ErrInvalidInput, errors.New("idempotency: empty key"))
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	full := l.backend.Key("idem", key)
	owner := uuid.NewString()

	claimed, err := l.backend.SetNX(ctx, full, owner, ttl)
	if err != nil {
		l.log.Error().Err(err).Str("key", key).Msg("idempotency claim failed")
		return errors.Join(types.ErrUnavailable, err)
	}
	if !claimed {
		return types.ErrDuplicate
	}

	if err := fn(ctx); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, derr := l.backend.DelIfEquals(releaseCtx, full, owner); derr != nil {
			l.log.Warn().Err(derr).Str("key", key).Msg("idempotency release failed")
		}
		return err
	}
	return nil
}

// Key joins parts into a stable key. Parts that are long or contain
// characters outside [A-Za-z0-9._-] are replaced by a short sha256 digest.
func Key(parts ...string) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		if len(p) > maxPlainPart || !plain(p) {
			sum := sha256.Sum256([]byte(p))
			p = hex.EncodeToString(sum[:16])
		}
		out[i] = p
	}
	return strings.Join(out, ":")
}

func plain(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
