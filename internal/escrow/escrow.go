// Package escrow reserves coins for an interaction before it starts and
// settles or releases the reservation when it ends.
//
// A hold moves coins from available to held on the owning wallet. Settling
// debits the consumed part and frees the rest in one transaction; releasing
// frees everything. Each operation has a Tx variant so call and session
// transitions can change their own row and the hold atomically.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BatmanBruc/coinmeter/internal/idgen"
	"github.com/BatmanBruc/coinmeter/internal/ledger"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/rs/zerolog"
)

type Manager struct {
	store     types.Store
	log       zerolog.Logger
	opTimeout time.Duration
}

type HoldRequest struct {
	UserID        string
	InteractionID string
	Kind          types.InteractionKind
	Amount        int64
}

// Settlement is the outcome of SettleHold. Transaction is nil when nothing
// was consumed.
type Settlement struct {
	Hold        *types.Hold
	Transaction *types.TransactionRecord
}

func NewManager(store types.Store, logger zerolog.Logger, opTimeout time.Duration) *Manager {
	if opTimeout <= 0 {
		opTimeout = ledger.DefaultOpTimeout
	}
	return &Manager{
		store:     store,
		log:       logger.With().Str("component", "escrow").Logger(),
		opTimeout: opTimeout,
	}
}

// SettleKey is the ledger idempotency key of a hold's settlement debit.
func SettleKey(holdID string) string {
	return "settle:" + holdID
}

func (m *Manager) CreateHold(ctx context.Context, req HoldRequest) (*types.Hold, error) {
	var h *types.Hold
	err := m.run(ctx, func(tx types.LedgerTx) error {
		var err error
		h, err = CreateHoldTx(ctx, tx, req)
		return err
	})
	if err != nil {
		m.logFailure(err, "create hold", req.UserID, "")
		return nil, err
	}
	m.log.Info().Str("user_id", h.UserID).Str("hold_id", h.ID).Int64("amount", h.Amount).Msg("hold created")
	return h, nil
}

func (m *Manager) ResizeHold(ctx context.Context, holdID string, newAmount int64) (*types.Hold, error) {
	var h *types.Hold
	err := m.run(ctx, func(tx types.LedgerTx) error {
		var err error
		h, err = ResizeHoldTx(ctx, tx, holdID, newAmount)
		return err
	})
	if err != nil {
		m.logFailure(err, "resize hold", "", holdID)
		return nil, err
	}
	m.log.Info().Str("hold_id", holdID).Int64("amount", h.Amount).Msg("hold resized")
	return h, nil
}

func (m *Manager) SettleHold(ctx context.Context, holdID string, consumed int64) (*Settlement, error) {
	var st *Settlement
	err := m.run(ctx, func(tx types.LedgerTx) error {
		var err error
		st, err = SettleHoldTx(ctx, tx, holdID, consumed)
		return err
	})
	if err != nil {
		m.logFailure(err, "settle hold", "", holdID)
		return nil, err
	}
	m.log.Info().Str("hold_id", holdID).Int64("amount", st.Hold.ConsumedAmount).Msg("hold settled")
	return st, nil
}

func (m *Manager) ReleaseHold(ctx context.Context, holdID string) (*types.Hold, error) {
	var h *types.Hold
	err := m.run(ctx, func(tx types.LedgerTx) error {
		var err error
		h, err = ReleaseHoldTx(ctx, tx, holdID)
		return err
	})
	if err != nil {
		m.logFailure(err, "release hold", "", holdID)
		return nil, err
	}
	m.log.Info().Str("hold_id", holdID).Int64("amount", h.Amount).Msg("hold released")
	return h, nil
}

func (m *Manager) run(ctx context.Context, fn func(tx types.LedgerTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()
	return types.FromContext(m.store.WithTx(ctx, fn))
}

func (m *Manager) logFailure(err error, op, userID, holdID string) {
	ev := m.log.Error()
	if types.IsBusinessRefusal(err) {
		ev = m.log.Warn()
	}
	ev.Err(err).Str("user_id", userID).Str("hold_id", holdID).Msg(op + " failed")
}

// CreateHoldTx reserves amount on the user's wallet. The wallet lock makes
// the availability check and the reservation one step, so concurrent holds
// can never reserve more than the balance.
func CreateHoldTx(ctx context.Context, tx types.LedgerTx, req HoldRequest) (*types.Hold, error) {
	if req.UserID == "" || req.InteractionID == "" || req.Amount <= 0 {
		return nil, fmt.Errorf("hold user=%q amount=%d: %w", req.UserID, req.Amount, types.ErrInvalidInput)
	}
	w, err := tx.LockWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if w.Available() < req.Amount {
		return nil, fmt.Errorf("hold %d with %d available: %w", req.Amount, w.Available(), types.ErrInsufficientFunds)
	}
	w.HeldBalance += req.Amount
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	h := &types.Hold{
		ID:              idgen.NewID(),
		UserID:          req.UserID,
		InteractionID:   req.InteractionID,
		InteractionKind: req.Kind,
		Amount:          req.Amount,
		Status:          types.HoldActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.InsertHold(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func ResizeHoldTx(ctx context.Context, tx types.LedgerTx, holdID string, newAmount int64) (*types.Hold, error) {
	if newAmount <= 0 {
		return nil, fmt.Errorf("resize hold %s to %d: %w", holdID, newAmount, types.ErrInvalidInput)
	}
	h, err := tx.LockHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if h.Status != types.HoldActive {
		return nil, fmt.Errorf("resize hold %s in status %s: %w", holdID, h.Status, types.ErrInvalidState)
	}
	delta := newAmount - h.Amount
	if delta == 0 {
		return h, nil
	}
	w, err := tx.LockWallet(ctx, h.UserID)
	if err != nil {
		return nil, err
	}
	if delta > 0 && w.Available() < delta {
		return nil, fmt.Errorf("grow hold by %d with %d available: %w", delta, w.Available(), types.ErrInsufficientFunds)
	}
	w.HeldBalance += delta
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}
	h.Amount = newAmount
	h.UpdatedAt = time.Now().UTC()
	if err := tx.SaveHold(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

// SettleHoldTx charges consumed coins against the hold and frees the rest.
// Settling an already consumed hold returns the original outcome.
func SettleHoldTx(ctx context.Context, tx types.LedgerTx, holdID string, consumed int64) (*Settlement, error) {
	h, err := tx.LockHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	switch h.Status {
	case types.HoldConsumed:
		rec, err := tx.TransactionByKey(ctx, SettleKey(holdID))
		if errors.Is(err, types.ErrNotFound) {
			return &Settlement{Hold: h}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Settlement{Hold: h, Transaction: rec}, nil
	case types.HoldReleased:
		return nil, fmt.Errorf("settle released hold %s: %w", holdID, types.ErrInvalidState)
	}
	if consumed < 0 || consumed > h.Amount {
		return nil, fmt.Errorf("settle %d against hold of %d: %w", consumed, h.Amount, types.ErrInvalidInput)
	}

	st := &Settlement{Hold: h}
	if consumed > 0 {
		rec, err := ledger.DebitTx(ctx, tx, ledger.DebitRequest{
			UserID:         h.UserID,
			Amount:         consumed,
			HeldRelease:    h.Amount,
			Reason:         string(h.InteractionKind) + "_settlement",
			ReferenceID:    h.InteractionID,
			IdempotencyKey: SettleKey(holdID),
		})
		if err != nil {
			return nil, err
		}
		st.Transaction = rec
	} else if err := unhold(ctx, tx, h); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	h.ConsumedAmount = consumed
	h.Status = types.HoldConsumed
	h.UpdatedAt = now
	h.ResolvedAt = &now
	if err := tx.SaveHold(ctx, h); err != nil {
		return nil, err
	}
	return st, nil
}

// ReleaseHoldTx returns the whole reservation to available. Releasing twice
// is a no-op.
func ReleaseHoldTx(ctx context.Context, tx types.LedgerTx, holdID string) (*types.Hold, error) {
	h, err := tx.LockHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	switch h.Status {
	case types.HoldReleased:
		return h, nil
	case types.HoldConsumed:
		return nil, fmt.Errorf("release consumed hold %s: %w", holdID, types.ErrInvalidState)
	}
	if err := unhold(ctx, tx, h); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	h.Status = types.HoldReleased
	h.UpdatedAt = now
	h.ResolvedAt = &now
	if err := tx.SaveHold(ctx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func unhold(ctx context.Context, tx types.LedgerTx, h *types.Hold) error {
	w, err := tx.LockWallet(ctx, h.UserID)
	if err != nil {
		return err
	}
	if w.HeldBalance < h.Amount {
		return fmt.Errorf("wallet %s holds %d, hold %s needs %d: %w", w.UserID, w.HeldBalance, h.ID, h.Amount, types.ErrInvalidState)
	}
	w.HeldBalance -= h.Amount
	return tx.SaveWallet(ctx, w)
}
