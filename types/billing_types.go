package types

import (
	"context"
	"time"
)

// LedgerTx is one atomic unit of work against the authoritative datastore.
// Lock* methods take a row lock that is held until the transaction ends; the
// expected lock order is interaction row, then hold, then wallet.
type LedgerTx interface {
	// LockWallet creates the wallet on first use and locks it.
	LockWallet(ctx context.Context, userID string) (*Wallet, error)
	SaveWallet(ctx context.Context, w *Wallet) error
	AppendTransaction(ctx context.Context, rec *TransactionRecord) error
	TransactionByKey(ctx context.Context, key string) (*TransactionRecord, error)
	AppendEarning(ctx context.Context, e *Earning) error

	InsertHold(ctx context.Context, h *Hold) error
	LockHold(ctx context.Context, holdID string) (*Hold, error)
	SaveHold(ctx context.Context, h *Hold) error

	// InsertCall fails with ErrDuplicateRequest when the fan already has an
	// open call with the creator.
	InsertCall(ctx context.Context, c *Call) error
	LockCall(ctx context.Context, callID string) (*Call, error)
	SaveCall(ctx context.Context, c *Call) error

	InsertSession(ctx context.Context, s *AISession) error
	LockSession(ctx context.Context, sessionID string) (*AISession, error)
	SaveSession(ctx context.Context, s *AISession) error

	InsertSubscription(ctx context.Context, s *Subscription) error
	LockSubscription(ctx context.Context, subID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, s *Subscription) error
}

// Store is the relational datastore. WithTx commits when fn returns nil and
// rolls back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetHold(ctx context.Context, holdID string) (*Hold, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*TransactionRecord, error)

	GetCall(ctx context.Context, callID string) (*Call, error)
	ListStaleCalls(ctx context.Context, status CallStatus, before time.Time, limit int) ([]string, error)

	GetSession(ctx context.Context, sessionID string) (*AISession, error)
	ListIdleSessions(ctx context.Context, lastBilledBefore time.Time, limit int) ([]string, error)

	GetSubscription(ctx context.Context, subID string) (*Subscription, error)
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)

	GetCreatorRates(ctx context.Context, creatorID string) (*CreatorRates, error)
	UpsertCreatorRates(ctx context.Context, r CreatorRates) error
	GetTier(ctx context.Context, tierID string) (*Tier, error)
	UpsertTier(ctx context.Context, t Tier) error

	Ping(ctx context.Context) error
	Close()
}

// ContactStore resolves where to deliver notifications for a user.
type ContactStore interface {
	UpsertContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, userID string) (*Contact, error)
}

// BalanceCache keeps the last balance read from the datastore for degraded reads.
type BalanceCache interface {
	PutBalance(ctx context.Context, userID string, b Balance) error
	GetBalance(ctx context.Context, userID string) (Balance, error)
}
