package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BatmanBruc/coinmeter/types"
)

// MemoryStore implements types.Store in process memory. Transactions are
// serialized by a single mutex and their writes are staged until commit, so a
// failing transaction leaves nothing behind. Used by tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu sync.Mutex

	wallets       map[string]*types.Wallet
	holds         map[string]*types.Hold
	transactions  []*types.TransactionRecord
	txByKey       map[string]*types.TransactionRecord
	earnings      []*types.Earning
	calls         map[string]*types.Call
	sessions      map[string]*types.AISession
	subscriptions map[string]*types.Subscription
	creators      map[string]*types.CreatorRates
	tiers         map[string]*types.Tier
	contacts      map[string]*types.Contact
}

var _ types.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:       make(map[string]*types.Wallet),
		holds:         make(map[string]*types.Hold),
		txByKey:       make(map[string]*types.TransactionRecord),
		calls:         make(map[string]*types.Call),
		sessions:      make(map[string]*types.AISession),
		subscriptions: make(map[string]*types.Subscription),
		creators:      make(map[string]*types.CreatorRates),
		tiers:         make(map[string]*types.Tier),
		contacts:      make(map[string]*types.Contact),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx types.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return types.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		s:             s,
		wallets:       make(map[string]*types.Wallet),
		holds:         make(map[string]*types.Hold),
		txByKey:       make(map[string]*types.TransactionRecord),
		calls:         make(map[string]*types.Call),
		sessions:      make(map[string]*types.AISession),
		subscriptions: make(map[string]*types.Subscription),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return types.FromContext(err)
	}
	tx.commit()
	return nil
}

// Seed credits a wallet directly, bypassing the transaction log. Test and
// local-development helper.
func (s *MemoryStore) Seed(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.wallets[userID] = &types.Wallet{UserID: userID, Balance: balance, CreatedAt: now, UpdatedAt: now}
}

// ActiveHoldTotal sums the active holds of a wallet.
func (s *MemoryStore) ActiveHoldTotal(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, h := range s.holds {
		if h.UserID == userID && h.Status == types.HoldActive {
			total += h.Amount
		}
	}
	return total
}

// CheckInvariants verifies 0 <= held <= balance and that the active holds of
// every wallet sum to its held balance.
func (s *MemoryStore) CheckInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[string]int64)
	for _, h := range s.holds {
		if h.Status == types.HoldActive {
			sums[h.UserID] += h.Amount
		}
	}
	for id, w := range s.wallets {
		if !w.Valid() {
			return fmt.Errorf("wallet %s: balance=%d held=%d", id, w.Balance, w.HeldBalance)
		}
		if sums[id] != w.HeldBalance {
			return fmt.Errorf("wallet %s: active holds %d != held %d", id, sums[id], w.HeldBalance)
		}
	}
	return nil
}

func (s *MemoryStore) Earnings(creatorID string) []types.Earning {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Earning
	for _, e := range s.earnings {
		if e.CreatorID == creatorID {
			out = append(out, *e)
		}
	}
	return out
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*types.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &types.Wallet{UserID: userID}, nil
}

func (s *MemoryStore) GetHold(_ context.Context, holdID string) (*types.Hold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, fmt.Errorf("hold %s: %w", holdID, types.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, limit int) ([]*types.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.TransactionRecord, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		rec := s.transactions[i]
		if rec.UserID != userID {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetCall(_ context.Context, callID string) (*types.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, types.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListStaleCalls(_ context.Context, status types.CallStatus, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var calls []*types.Call
	for _, c := range s.calls {
		if c.Status == status && c.RequestedAt.Before(before) {
			calls = append(calls, c)
		}
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].RequestedAt.Before(calls[j].RequestedAt) })
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*types.AISession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	cp := *ss
	return &cp, nil
}

func (s *MemoryStore) ListIdleSessions(_ context.Context, lastBilledBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0)
	for _, ss := range s.sessions {
		if ss.Status != types.SessionActive || !ss.LastBilledAt.Before(lastBilledBefore) {
			continue
		}
		ids = append(ids, ss.ID)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *MemoryStore) GetSubscription(_ context.Context, subID string) (*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", subID, types.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (s *MemoryStore) ListDueSubscriptions(_ context.Context, now time.Time, limit int) ([]*types.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.Status != types.SubscriptionActive && sub.Status != types.SubscriptionPastDue {
			continue
		}
		if sub.CurrentPeriodEnd.After(now) {
			continue
		}
		if sub.NextRetryAt != nil && sub.NextRetryAt.After(now) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetCreatorRates(_ context.Context, creatorID string) (*types.CreatorRates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.creators[creatorID]
	if !ok {
		return nil, fmt.Errorf("creator %s: %w", creatorID, types.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpsertCreatorRates(_ context.Context, r types.CreatorRates) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UpdatedAt = time.Now().UTC()
	s.creators[r.CreatorID] = &r
	return nil
}

func (s *MemoryStore) GetTier(_ context.Context, tierID string) (*types.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[tierID]
	if !ok {
		return nil, fmt.Errorf("tier %s: %w", tierID, types.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpsertTier(_ context.Context, t types.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[t.ID] = &t
	return nil
}

func (s *MemoryStore) UpsertContact(_ context.Context, c types.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.UpdatedAt = time.Now().UTC()
	s.contacts[c.UserID] = &c
	return nil
}

func (s *MemoryStore) GetContact(_ context.Context, userID string) (*types.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[userID]
	if !ok {
		return nil, fmt.Errorf("contact %s: %w", userID, types.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// memoryTx reads through its staged rows to the committed ones. The store
// mutex is held for its whole lifetime.
type memoryTx struct {
	s *MemoryStore

	wallets       map[string]*types.Wallet
	holds         map[string]*types.Hold
	txByKey       map[string]*types.TransactionRecord
	transactions  []*types.TransactionRecord
	earnings      []*types.Earning
	calls         map[string]*types.Call
	sessions      map[string]*types.AISession
	subscriptions map[string]*types.Subscription
}

func (tx *memoryTx) commit() {
	s := tx.s
	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for id, h := range tx.holds {
		s.holds[id] = h
	}
	for _, rec := range tx.transactions {
		s.transactions = append(s.transactions, rec)
		if rec.IdempotencyKey != "" {
			s.txByKey[rec.IdempotencyKey] = rec
		}
	}
	s.earnings = append(s.earnings, tx.earnings...)
	for id, c := range tx.calls {
		s.calls[id] = c
	}
	for id, ss := range tx.sessions {
		s.sessions[id] = ss
	}
	for id, sub := range tx.subscriptions {
		s.subscriptions[id] = sub
	}
}

func (tx *memoryTx) LockWallet(_ context.Context, userID string) (*types.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("wallet: empty user id: %w", types.ErrInvalidInput)
	}
	if w, ok := tx.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	if w, ok := tx.s.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	now := time.Now().UTC()
	w := &types.Wallet{UserID: userID, CreatedAt: now, UpdatedAt: now}
	tx.wallets[userID] = w
	cp := *w
	return &cp, nil
}

func (tx *memoryTx) SaveWallet(_ context.Context, w *types.Wallet) error {
	if !w.Valid() {
		return fmt.Errorf("wallet %s: balance=%d held=%d: %w", w.UserID, w.Balance, w.HeldBalance, types.ErrInvalidState)
	}
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	tx.wallets[w.UserID] = &cp
	return nil
}

func (tx *memoryTx) AppendTransaction(_ context.Context, rec *types.TransactionRecord) error {
	if rec.IdempotencyKey != "" {
		if _, ok := tx.txByKey[rec.IdempotencyKey]; ok {
			return fmt.Errorf("transaction key %s: %w", rec.IdempotencyKey, types.ErrDuplicate)
		}
		if _, ok := tx.s.txByKey[rec.IdempotencyKey]; ok {
			return fmt.Errorf("transaction key %s: %w", rec.IdempotencyKey, types.ErrDuplicate)
		}
	}
	cp := *rec
	tx.transactions = append(tx.transactions, &cp)
	if cp.IdempotencyKey != "" {
		tx.txByKey[cp.IdempotencyKey] = &cp
	}
	return nil
}

func (tx *memoryTx) TransactionByKey(_ context.Context, key string) (*types.TransactionRecord, error) {
	if rec, ok := tx.txByKey[key]; ok {
		cp := *rec
		return &cp, nil
	}
	if rec, ok := tx.s.txByKey[key]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, fmt.Errorf("transaction key %s: %w", key, types.ErrNotFound)
}

func (tx *memoryTx) AppendEarning(_ context.Context, e *types.Earning) error {
	cp := *e
	tx.earnings = append(tx.earnings, &cp)
	return nil
}

func (tx *memoryTx) InsertHold(_ context.Context, h *types.Hold) error {
	if _, ok := tx.holds[h.ID]; ok {
		return fmt.Errorf("hold %s: %w", h.ID, types.ErrDuplicate)
	}
	if _, ok := tx.s.holds[h.ID]; ok {
		return fmt.Errorf("hold %s: %w", h.ID, types.ErrDuplicate)
	}
	cp := *h
	tx.holds[h.ID] = &cp
	return nil
}

func (tx *memoryTx) LockHold(_ context.Context, holdID string) (*types.Hold, error) {
	if h, ok := tx.holds[holdID]; ok {
		cp := *h
		return &cp, nil
	}
	if h, ok := tx.s.holds[holdID]; ok {
		cp := *h
		return &cp, nil
	}
	return nil, fmt.Errorf("hold %s: %w", holdID, types.ErrNotFound)
}

func (tx *memoryTx) SaveHold(_ context.Context, h *types.Hold) error {
	cp := *h
	tx.holds[h.ID] = &cp
	return nil
}

func (tx *memoryTx) InsertCall(_ context.Context, c *types.Call) error {
	if _, ok := tx.calls[c.ID]; ok {
		return fmt.Errorf("call %s: %w", c.ID, types.ErrDuplicate)
	}
	if _, ok := tx.s.calls[c.ID]; ok {
		return fmt.Errorf("call %s: %w", c.ID, types.ErrDuplicate)
	}
	open := func(other *types.Call) bool {
		return other.ID != c.ID && other.FanID == c.FanID && other.CreatorID == c.CreatorID && other.Status.Open()
	}
	for _, other := range tx.calls {
		if open(other) {
			return types.ErrDuplicateRequest
		}
	}
	for id, other := range tx.s.calls {
		if staged, ok := tx.calls[id]; ok {
			other = staged
		}
		if open(other) {
			return types.ErrDuplicateRequest
		}
	}
	cp := *c
	tx.calls[c.ID] = &cp
	return nil
}

func (tx *memoryTx) LockCall(_ context.Context, callID string) (*types.Call, error) {
	if c, ok := tx.calls[callID]; ok {
		cp := *c
		return &cp, nil
	}
	if c, ok := tx.s.calls[callID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, fmt.Errorf("call %s: %w", callID, types.ErrNotFound)
}

func (tx *memoryTx) SaveCall(_ context.Context, c *types.Call) error {
	cp := *c
	tx.calls[c.ID] = &cp
	return nil
}

func (tx *memoryTx) InsertSession(_ context.Context, ss *types.AISession) error {
	if _, ok := tx.sessions[ss.ID]; ok {
		return fmt.Errorf("session %s: %w", ss.ID, types.ErrDuplicate)
	}
	if _, ok := tx.s.sessions[ss.ID]; ok {
		return fmt.Errorf("session %s: %w", ss.ID, types.ErrDuplicate)
	}
	cp := *ss
	tx.sessions[ss.ID] = &cp
	return nil
}

func (tx *memoryTx) LockSession(_ context.Context, sessionID string) (*types.AISession, error) {
	if ss, ok := tx.sessions[sessionID]; ok {
		cp := *ss
		return &cp, nil
	}
	if ss, ok := tx.s.sessions[sessionID]; ok {
		cp := *ss
		return &cp, nil
	}
	return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
}

func (tx *memoryTx) SaveSession(_ context.Context, ss *types.AISession) error {
	cp := *ss
	tx.sessions[ss.ID] = &cp
	return nil
}

func (tx *memoryTx) InsertSubscription(_ context.Context, sub *types.Subscription) error {
	if _, ok := tx.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, types.ErrDuplicate)
	}
	if _, ok := tx.s.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, types.ErrDuplicate)
	}
	cp := *sub
	tx.subscriptions[sub.ID] = &cp
	return nil
}

func (tx *memoryTx) LockSubscription(_ context.Context, subID string) (*types.Subscription, error) {
	if sub, ok := tx.subscriptions[subID]; ok {
		cp := *sub
		return &cp, nil
	}
	if sub, ok := tx.s.subscriptions[subID]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, fmt.Errorf("subscription %s: %w", subID, types.ErrNotFound)
}

func (tx *memoryTx) SaveSubscription(_ context.Context, sub *types.Subscription) error {
	cp := *sub
	tx.subscriptions[sub.ID] = &cp
	return nil
}
