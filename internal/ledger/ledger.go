// Package ledger owns wallet balances and the append-only transaction log.
//
// Every mutation locks the wallet row, checks the invariant 0 <= held <=
// balance and writes the log row in the same datastore transaction. Reads may
// fall back to a cached value when the datastore is slow; such values carry
// Stale and must never be used to authorize spending.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BatmanBruc/coinmeter/internal/idgen"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/rs/zerolog"
)

const (
	DefaultOpTimeout   = 5 * time.Second
	DefaultReadTimeout = 2 * time.Second
)

type Config struct {
	OpTimeout   time.Duration
	ReadTimeout time.Duration
}

type Service struct {
	store types.Store
	cache types.BalanceCache
	log   zerolog.Logger

	opTimeout   time.Duration
	readTimeout time.Duration
}

// DebitRequest removes Amount from the balance. HeldRelease is the part of
// the held balance the debit consumes; a debit against a hold is authorized by
// the reservation, so only Amount - HeldRelease must be available.
type DebitRequest struct {
	UserID         string
	Amount         int64
	HeldRelease    int64
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}

type CreditRequest struct {
	UserID         string
	Amount         int64
	Reason         string
	ReferenceID    string
	IdempotencyKey string
}

// NewService builds the ledger. cache may be nil.
func NewService(store types.Store, cache types.BalanceCache, logger zerolog.Logger, cfg Config) *Service {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Service{
		store:       store,
		cache:       cache,
		log:         logger.With().Str("component", "ledger").Logger(),
		opTimeout:   cfg.OpTimeout,
		readTimeout: cfg.ReadTimeout,
	}
}

// GetBalance never fails. When the datastore does not answer within the read
// timeout the last cached balance (or zero) is returned with Stale set.
func (s *Service) GetBalance(ctx context.Context, userID string) types.Balance {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	w, err := s.store.GetWallet(readCtx, userID)
	if err == nil {
		b := w.View()
		if s.cache != nil {
			if err := s.cache.PutBalance(readCtx, userID, b); err != nil {
				s.log.Debug().Err(err).Str("user_id", userID).Msg("balance cache write failed")
			}
		}
		return b
	}

	s.log.Warn().Err(err).Str("user_id", userID).Msg("balance read degraded")
	if s.cache == nil {
		return types.Balance{Stale: true}
	}
	cacheCtx, cancelCache := context.WithTimeout(context.WithoutCancel(ctx), s.readTimeout)
	defer cancelCache()
	b, cerr := s.cache.GetBalance(cacheCtx, userID)
	if cerr != nil {
		return types.Balance{Stale: true}
	}
	b.Stale = true
	return b
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]*types.TransactionRecord, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	recs, err := s.store.ListTransactions(readCtx, userID, limit)
	if err != nil {
		return nil, types.FromContext(err)
	}
	return recs, nil
}

func (s *Service) Debit(ctx context.Context, req DebitRequest) (*types.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var rec *types.TransactionRecord
	err := s.store.WithTx(ctx, func(tx types.LedgerTx) error {
		var err error
		rec, err = DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		s.logFailure(err, req.UserID, req.Amount, "debit")
		return nil, types.FromContext(err)
	}
	s.log.Info().Str("user_id", req.UserID).Int64("amount", req.Amount).Str("reason", req.Reason).
		Int64("balance_after", rec.BalanceAfter).Msg("debit")
	return rec, nil
}

func (s *Service) Credit(ctx context.Context, req CreditRequest) (*types.TransactionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var rec *types.TransactionRecord
	err := s.store.WithTx(ctx, func(tx types.LedgerTx) error {
		var err error
		rec, err = CreditTx(ctx, tx, req)
		return err
	})
	if err != nil {
		s.logFailure(err, req.UserID, req.Amount, "credit")
		return nil, types.FromContext(err)
	}
	s.log.Info().Str("user_id", req.UserID).Int64("amount", req.Amount).Str("reason", req.Reason).
		Int64("balance_after", rec.BalanceAfter).Msg("credit")
	return rec, nil
}

func (s *Service) logFailure(err error, userID string, amount int64, op string) {
	ev := s.log.Error()
	if types.IsBusinessRefusal(err) {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("user_id", userID).Int64("amount", amount).Msg(op + " refused")
}

// replay returns the record already written under key, or nil if the key is
// unused. A key reused for a different user or direction is ErrDuplicate.
func replay(ctx context.Context, tx types.LedgerTx, key, userID string, kind types.TransactionKind) (*types.TransactionRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := tx.TransactionByKey(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID || rec.Kind != kind {
		return nil, fmt.Errorf("idempotency key %s already used: %w", key, types.ErrDuplicate)
	}
	return rec, nil
}

// DebitTx runs a debit inside the caller's transaction. Replaying a used
// idempotency key returns the original record without touching the wallet.
func DebitTx(ctx context.Context, tx types.LedgerTx, req DebitRequest) (*types.TransactionRecord, error) {
	if req.UserID == "" || req.Amount <= 0 || req.HeldRelease < 0 {
		return nil, fmt.Errorf("debit user=%q amount=%d: %w", req.UserID, req.Amount, types.ErrInvalidInput)
	}
	w, err := tx.LockWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if rec, err := replay(ctx, tx, req.IdempotencyKey, req.UserID, types.TransactionDebit); rec != nil || err != nil {
		return rec, err
	}
	if req.HeldRelease > w.HeldBalance {
		return nil, fmt.Errorf("debit releases %d of %d held: %w", req.HeldRelease, w.HeldBalance, types.ErrInvalidState)
	}
	if w.Available()+req.HeldRelease < req.Amount {
		return nil, fmt.Errorf("debit %d with %d available: %w", req.Amount, w.Available(), types.ErrInsufficientFunds)
	}

	w.Balance -= req.Amount
	w.HeldBalance -= req.HeldRelease
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	rec := &types.TransactionRecord{
		ID:             idgen.NextSequence(),
		UserID:         req.UserID,
		Kind:           types.TransactionDebit,
		Amount:         req.Amount,
		BalanceAfter:   w.Balance,
		HeldAfter:      w.HeldBalance,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.AppendTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreditTx runs a credit inside the caller's transaction. Releasing a hold is
// not a credit and never goes through here.
func CreditTx(ctx context.Context, tx types.LedgerTx, req CreditRequest) (*types.TransactionRecord, error) {
	if req.UserID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("credit user=%q amount=%d: %w", req.UserID, req.Amount, types.ErrInvalidInput)
	}
	w, err := tx.LockWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if rec, err := replay(ctx, tx, req.IdempotencyKey, req.UserID, types.TransactionCredit); rec != nil || err != nil {
		return rec, err
	}

	w.Balance += req.Amount
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	rec := &types.TransactionRecord{
		ID:             idgen.NextSequence(),
		UserID:         req.UserID,
		Kind:           types.TransactionCredit,
		Amount:         req.Amount,
		BalanceAfter:   w.Balance,
		HeldAfter:      w.HeldBalance,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.AppendTransaction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
