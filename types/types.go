package types

import "time"

// Wallet is the single row per user that every hold, debit and credit locks
// before reading balance or held balance.
type Wallet struct {
	UserID      string    `json:"user_id"`
	Balance     int64     `json:"balance"`
	HeldBalance int64     `json:"held_balance"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w Wallet) Available() int64 {
	return w.Balance - w.HeldBalance
}

// Valid reports whether 0 <= HeldBalance <= Balance.
func (w Wallet) Valid() bool {
	return w.Balance >= 0 && w.HeldBalance >= 0 && w.HeldBalance <= w.Balance
}

func (w Wallet) View() Balance {
	return Balance{
		Balance:          w.Balance,
		AvailableBalance: w.Available(),
		HeldBalance:      w.HeldBalance,
	}
}

// Balance is the read view handed to collaborators. Stale is set when the
// value came from the cache because the datastore did not answer in time; it
// is for display only.
type Balance struct {
	Balance          int64 `json:"balance"`
	AvailableBalance int64 `json:"availableBalance"`
	HeldBalance      int64 `json:"heldBalance"`
	Stale            bool  `json:"stale,omitempty"`
}

type Hold struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	InteractionID   string          `json:"interaction_id"`
	InteractionKind InteractionKind `json:"interaction_kind"`
	Amount          int64           `json:"amount"`
	ConsumedAmount  int64           `json:"consumed_amount"`
	Status          HoldStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

type TransactionRecord struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"user_id"`
	Kind           TransactionKind `json:"kind"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	HeldAfter      int64           `json:"held_after"`
	Reason         string          `json:"reason"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Call struct {
	ID                     string     `json:"id"`
	FanID                  string     `json:"fanId"`
	CreatorID              string     `json:"creatorId"`
	CallType               CallType   `json:"callType"`
	Status                 CallStatus `json:"status"`
	RatePerMinute          int64      `json:"ratePerMinute"`
	MinimumDurationMinutes int        `json:"minimumDurationMinutes"`
	HoldID                 string     `json:"holdId"`
	RequestedAt            time.Time  `json:"requestedAt"`
	AcceptedAt             *time.Time `json:"acceptedAt,omitempty"`
	ConnectedAt            *time.Time `json:"connectedAt,omitempty"`
	EndedAt                *time.Time `json:"endedAt,omitempty"`
	DurationSeconds        int64      `json:"durationSeconds"`
	ActualCoins            int64      `json:"actualCoins"`
	WrittenOffCoins        int64      `json:"writtenOffCoins"`
	EndedBy                string     `json:"endedBy,omitempty"`
	EndReason              string     `json:"endReason,omitempty"`
}

// Party reports whether userID is the fan or the creator of the call.
func (c *Call) Party(userID string) bool {
	return userID != "" && (userID == c.FanID || userID == c.CreatorID)
}

// Counterparty returns the other party of the call.
func (c *Call) Counterparty(userID string) string {
	if userID == c.FanID {
		return c.CreatorID
	}
	return c.FanID
}

type AISession struct {
	ID             string        `json:"id"`
	FanID          string        `json:"fanId"`
	CreatorID      string        `json:"creatorId"`
	RatePerMinute  int64         `json:"ratePerMinute"`
	MinimumMinutes int           `json:"minimumMinutes"`
	HoldID         string        `json:"holdId"`
	Status         SessionStatus `json:"status"`
	StartedAt      time.Time     `json:"startedAt"`
	LastBilledAt   time.Time     `json:"lastBilledAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	CoinsSpent     int64         `json:"coinsSpent"`
	Ticks          int           `json:"ticks"`
	EndReason      string        `json:"endReason,omitempty"`
	Rating         *int          `json:"rating,omitempty"`
}

func (s *AISession) Party(userID string) bool {
	return userID != "" && (userID == s.FanID || userID == s.CreatorID)
}

func (s *AISession) Counterparty(userID string) string {
	if userID == s.FanID {
		return s.CreatorID
	}
	return s.FanID
}

// Earning is the creator side of a settled interaction, net of the platform fee.
type Earning struct {
	ID            int64     `json:"id"`
	CreatorID     string    `json:"creator_id"`
	InteractionID string    `json:"interaction_id"`
	Gross         int64     `json:"gross"`
	Net           int64     `json:"net"`
	CreatedAt     time.Time `json:"created_at"`
}
