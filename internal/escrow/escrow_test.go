package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BatmanBruc/coinmeter/store"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/rs/zerolog"
)

func setup(t *testing.T, balance int64) (*Manager, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.Seed("fan", balance)
	return NewManager(mem, zerolog.Nop(), 0), mem
}

func wallet(t *testing.T, mem *store.MemoryStore) *types.Wallet {
	t.Helper()
	w, err := mem.GetWallet(context.Background(), "fan")
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestCreateAndSettleHold(t *testing.T) {
	ctx := context.Background()
	m, mem := setup(t, 100)

	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if err != nil {
		t.Fatal(err)
	}
	if w := wallet(t, mem); w.Balance != 100 || w.HeldBalance != 50 {
		t.Fatalf("after hold: %+v", w)
	}

	st, err := m.SettleHold(ctx, h.ID, 30)
	if err != nil {
		t.Fatal(err)
	}
	if st.Transaction == nil || st.Transaction.Amount != 30 {
		t.Fatalf("settlement transaction = %+v", st.Transaction)
	}
	if w := wallet(t, mem); w.Balance != 70 || w.HeldBalance != 0 {
		t.Fatalf("after settle: %+v", w)
	}

	again, err := m.SettleHold(ctx, h.ID, 30)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if again.Transaction == nil || again.Transaction.ID != st.Transaction.ID {
		t.Fatal("second settle did not return the original transaction")
	}
	if w := wallet(t, mem); w.Balance != 70 {
		t.Fatalf("double charge: balance %d", w.Balance)
	}
	if err := mem.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestSettleZeroFreesTheHold(t *testing.T) {
	ctx := context.Background()
	m, mem := setup(t, 100)
	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "s-1", Kind: types.InteractionAISession, Amount: 10})
	if err != nil {
		t.Fatal(err)
	}
	st, err := m.SettleHold(ctx, h.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if st.Transaction != nil {
		t.Fatal("zero settlement wrote a transaction")
	}
	if w := wallet(t, mem); w.Balance != 100 || w.HeldBalance != 0 {
		t.Fatalf("after zero settle: %+v", w)
	}
}

func TestReleaseHold(t *testing.T) {
	ctx := context.Background()
	m, mem := setup(t, 100)
	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReleaseHold(ctx, h.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReleaseHold(ctx, h.ID); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if w := wallet(t, mem); w.Balance != 100 || w.Available() != 100 {
		t.Fatalf("after release: %+v", w)
	}
	if _, err := m.SettleHold(ctx, h.ID, 10); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("settle released hold: err = %v, want ErrInvalidState", err)
	}
}

func TestReleaseConsumedHoldFails(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, 100)
	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SettleHold(ctx, h.ID, 50); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReleaseHold(ctx, h.ID); !errors.Is(err, types.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestSettleMoreThanHeld(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, 100)
	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SettleHold(ctx, h.ID, 51); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestResizeHold(t *testing.T) {
	ctx := context.Background()
	m, mem := setup(t, 100)
	h, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		amount  int64
		wantErr error
		held    int64
	}{
		{"grow", 90, nil, 90},
		{"grow past balance", 101, types.ErrInsufficientFunds, 90},
		{"shrink", 20, nil, 20},
		{"zero", 0, types.ErrInvalidInput, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.ResizeHold(ctx, h.ID, tt.amount)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if w := wallet(t, mem); w.HeldBalance != tt.held {
				t.Fatalf("held = %d, want %d", w.HeldBalance, tt.held)
			}
		})
	}
	if err := mem.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestInsufficientFundsForHold(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t, 40)
	_, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if !errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestConcurrentHoldsNeverOverReserve(t *testing.T) {
	ctx := context.Background()
	m, mem := setup(t, 100)

	var (
		wg      sync.WaitGroup
		granted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call", Kind: types.InteractionCall, Amount: 30})
			if err == nil {
				granted.Add(1)
			} else if !errors.Is(err, types.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 3 {
		t.Fatalf("granted %d holds of 30 on a balance of 100, want 3", granted.Load())
	}
	if got := mem.ActiveHoldTotal("fan"); got != 90 {
		t.Fatalf("active holds = %d, want 90", got)
	}
	if err := mem.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateHoldWithCanceledContext(t *testing.T) {
	m, mem := setup(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.CreateHold(ctx, HoldRequest{UserID: "fan", InteractionID: "call-1", Kind: types.InteractionCall, Amount: 50})
	if !types.IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if errors.Is(err, types.ErrInsufficientFunds) {
		t.Fatalf("canceled hold reported as insufficient funds: %v", err)
	}
	if w := wallet(t, mem); w.HeldBalance != 0 {
		t.Fatalf("hold written despite cancel: %+v", w)
	}
}
