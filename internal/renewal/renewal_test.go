package renewal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/coinmeter/internal/idempotency"
	"github.com/BatmanBruc/coinmeter/internal/notify"
	"github.com/BatmanBruc/coinmeter/store"
	"github.com/BatmanBruc/coinmeter/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc   *Service
	mem   *store.MemoryStore
	clock *clock
	rec   *notify.Recorder
	emit  *notify.Emitter
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc, err := store.NewRedisClient(ctx, mr.Addr(), "", 0, "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	mem := store.NewMemoryStore()
	mem.Seed("fan", balance)
	tiers := []types.Tier{
		{ID: "gold", CreatorID: "creator", Name: "Gold", Price: 30, Interval: types.IntervalMonthly, Active: true},
		{ID: "retired", CreatorID: "creator", Name: "Old", Price: 30, Interval: types.IntervalMonthly},
	}
	for _, tier := range tiers {
		if err := mem.UpsertTier(ctx, tier); err != nil {
			t.Fatal(err)
		}
	}

	clk := &clock{t: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)}
	rec := &notify.Recorder{}
	emitter := notify.NewEmitter(rec, zerolog.Nop(), time.Second)
	svc := NewService(mem, idempotency.NewLocker(rc, time.Minute, zerolog.Nop()), emitter, zerolog.Nop(), Config{
		PlatformFeePercent: 20,
		Now:                clk.Now,
	})
	return &fixture{svc: svc, mem: mem, clock: clk, rec: rec, emit: emitter}
}

func (f *fixture) subscribe(t *testing.T) *types.Subscription {
	t.Helper()
	sub, err := f.svc.Subscribe(context.Background(), "fan", "gold", "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	w, err := f.mem.GetWallet(context.Background(), "fan")
	if err != nil {
		t.Fatal(err)
	}
	return w.Balance
}

func (f *fixture) sweep(t *testing.T) *Result {
	t.Helper()
	res, err := f.svc.ProcessRenewals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestSubscribeChargesFirstCycle(t *testing.T) {
	f := newFixture(t, 100)
	sub := f.subscribe(t)

	if sub.Status != types.SubscriptionActive || !sub.AutoRenew {
		t.Fatalf("subscription = %+v", sub)
	}
	if want := f.clock.Now().AddDate(0, 1, 0); !sub.CurrentPeriodEnd.Equal(want) {
		t.Fatalf("period end = %v, want %v", sub.CurrentPeriodEnd, want)
	}
	if got := f.balance(t); got != 70 {
		t.Fatalf("balance = %d, want 70", got)
	}
	earnings := f.mem.Earnings("creator")
	if len(earnings) != 1 || earnings[0].Net != 24 {
		t.Fatalf("earnings = %+v", earnings)
	}

	if res := f.sweep(t); *res != (Result{}) {
		t.Fatalf("sweep before period end = %+v", res)
	}
}

func TestSubscribeAnnouncesStartThenRenewal(t *testing.T) {
	f := newFixture(t, 100)
	f.subscribe(t)
	f.emit.Wait()
	if got := f.rec.Types(); len(got) != 1 || got[0] != notify.EventSubscriptionStarted {
		t.Fatalf("events after subscribe = %v", got)
	}

	f.clock.Advance(31*24*time.Hour + time.Hour)
	if res := f.sweep(t); res.Charged != 1 {
		t.Fatalf("sweep = %+v", res)
	}
	f.emit.Wait()
	if got := f.rec.Types(); len(got) != 2 || got[1] != notify.EventSubscriptionRenewed {
		t.Fatalf("events after renewal = %v", got)
	}
}

func TestSubscribeRefusals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	tests := []struct {
		name   string
		userID string
		tierID string
		want   error
	}{
		{"insufficient funds", "fan", "gold", types.ErrInsufficientFunds},
		{"inactive tier", "fan", "retired", types.ErrCreatorUnavailable},
		{"unknown tier", "fan", "platinum", types.ErrNotFound},
		{"own tier", "creator", "gold", types.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Subscribe(ctx, tt.userID, tt.tierID, ""); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if got := f.balance(t); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
}

func TestSubscribeReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	first, err := f.svc.Subscribe(ctx, "fan", "gold", "n1")
	if err != nil {
		t.Fatal(err)
	}
	again, err := f.svc.Subscribe(ctx, "fan", "gold", "n1")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatalf("replay created %s, want %s", again.ID, first.ID)
	}
	if got := f.balance(t); got != 70 {
		t.Fatalf("balance = %d, want one charge", got)
	}
}

func TestSweepTwiceChargesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	sub := f.subscribe(t)
	f.clock.Advance(31*24*time.Hour + time.Hour)

	first := f.sweep(t)
	second := f.sweep(t)
	if first.Charged != 1 || second.Charged != 0 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if got := f.balance(t); got != 40 {
		t.Fatalf("balance = %d, want 40", got)
	}

	got, err := f.svc.Get(ctx, sub.ID, "fan")
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd) || !got.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.AddDate(0, 1, 0)) {
		t.Fatalf("period = %v..%v", got.CurrentPeriodStart, got.CurrentPeriodEnd)
	}

	recs, err := f.mem.ListTransactions(ctx, "fan", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].IdempotencyKey != RenewalKey(sub.ID, sub.CurrentPeriodEnd) {
		t.Fatalf("transactions = %+v", recs)
	}
}

func TestConcurrentSweeps(t *testing.T) {
	f := newFixture(t, 1000)
	for i := 0; i < 5; i++ {
		f.subscribe(t)
	}
	f.clock.Advance(32 * 24 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ProcessRenewals(context.Background())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			charged += res.Charged
			mu.Unlock()
		}()
	}
	wg.Wait()

	if charged != 5 {
		t.Fatalf("charged %d renewals, want 5", charged)
	}
	if got := f.balance(t); got != 1000-10*30 {
		t.Fatalf("balance = %d, want %d", got, 1000-10*30)
	}
	if err := f.mem.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestFailedRenewals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30)
	sub := f.subscribe(t)
	f.clock.Advance(32 * 24 * time.Hour)

	res := f.sweep(t)
	if res.Failed != 1 {
		t.Fatalf("sweep = %+v, want one failure", res)
	}
	got, _ := f.svc.Get(ctx, sub.ID, "fan")
	if got.Status != types.SubscriptionPastDue || got.FailedAttempts != 1 || got.NextRetryAt == nil {
		t.Fatalf("subscription = %+v", got)
	}
	if want := f.clock.Now().Add(DefaultRetryDelay); !got.NextRetryAt.Equal(want) {
		t.Fatalf("next retry = %v, want %v", got.NextRetryAt, want)
	}

	if res := f.sweep(t); res.Failed != 0 {
		t.Fatalf("retried before the delay: %+v", res)
	}

	f.clock.Advance(DefaultRetryDelay)
	if res := f.sweep(t); res.Failed != 1 {
		t.Fatalf("second attempt = %+v", res)
	}
	f.clock.Advance(DefaultRetryDelay)
	if res := f.sweep(t); res.Expired != 1 {
		t.Fatalf("third attempt = %+v, want expired", res)
	}
	got, _ = f.svc.Get(ctx, sub.ID, "fan")
	if got.Status != types.SubscriptionExpired || got.FailedAttempts != DefaultMaxFailures {
		t.Fatalf("subscription = %+v", got)
	}

	f.clock.Advance(DefaultRetryDelay)
	if res := f.sweep(t); *res != (Result{}) {
		t.Fatalf("expired subscription picked up again: %+v", res)
	}
	if got := f.balance(t); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}

	f.emit.Wait()
	var pastDue, ended int
	for _, typ := range f.rec.Types() {
		switch typ {
		case notify.EventSubscriptionPastDue:
			pastDue++
		case notify.EventSubscriptionEnded:
			ended++
		}
	}
	if pastDue != 2 || ended != 1 {
		t.Fatalf("events = %v", f.rec.Types())
	}
}

func TestPastDueRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30)
	sub := f.subscribe(t)
	f.clock.Advance(32 * 24 * time.Hour)
	if res := f.sweep(t); res.Failed != 1 {
		t.Fatalf("sweep = %+v", res)
	}

	f.mem.Seed("fan", 100)
	f.clock.Advance(DefaultRetryDelay)
	if res := f.sweep(t); res.Charged != 1 {
		t.Fatalf("sweep = %+v, want a charge", res)
	}
	got, _ := f.svc.Get(ctx, sub.ID, "creator")
	if got.Status != types.SubscriptionActive || got.FailedAttempts != 0 || got.NextRetryAt != nil {
		t.Fatalf("subscription = %+v", got)
	}
	if !got.CurrentPeriodStart.Equal(f.clock.Now()) {
		t.Fatalf("period restarted at %v, want %v", got.CurrentPeriodStart, f.clock.Now())
	}
	if got := f.balance(t); got != 70 {
		t.Fatalf("balance = %d, want 70", got)
	}
}

func TestCancelStopsRenewal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)
	sub := f.subscribe(t)

	if _, err := f.svc.Cancel(ctx, sub.ID, "creator"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("cancel by creator: err = %v, want ErrNotFound", err)
	}
	cancelled, err := f.svc.Cancel(ctx, sub.ID, "fan")
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.AutoRenew || cancelled.Status != types.SubscriptionActive {
		t.Fatalf("subscription = %+v, want active without auto-renew", cancelled)
	}

	f.clock.Advance(32 * 24 * time.Hour)
	if res := f.sweep(t); res.Expired != 1 || res.Charged != 0 {
		t.Fatalf("sweep = %+v", res)
	}
	got, _ := f.svc.Get(ctx, sub.ID, "fan")
	if got.Status != types.SubscriptionCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got := f.balance(t); got != 70 {
		t.Fatalf("balance = %d, want 70", got)
	}
}
