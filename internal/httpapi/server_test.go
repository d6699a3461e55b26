package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/BatmanBruc/coinmeter/internal/calls"
	"github.com/BatmanBruc/coinmeter/internal/idempotency"
	"github.com/BatmanBruc/coinmeter/internal/ledger"
	"github.com/BatmanBruc/coinmeter/internal/renewal"
	"github.com/BatmanBruc/coinmeter/internal/sessions"
	"github.com/BatmanBruc/coinmeter/store"
	"github.com/BatmanBruc/coinmeter/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router http.Handler
	mem    *store.MemoryStore
	users  *store.RedisUserStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc, err := store.NewRedisClient(ctx, mr.Addr(), "", 0, "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	mem := store.NewMemoryStore()
	mem.Seed("fan", 100)
	mem.Seed("poor", 10)
	if err := mem.UpsertCreatorRates(ctx, types.CreatorRates{
		CreatorID:          "creator",
		Available:          true,
		VideoEnabled:       true,
		VideoRate:          10,
		CallMinimumMinutes: 5,
		AIChatEnabled:      true,
		AIRate:             5,
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.UpsertTier(ctx, types.Tier{ID: "gold", CreatorID: "creator", Name: "Gold", Price: 30, Interval: types.IntervalMonthly, Active: true}); err != nil {
		t.Fatal(err)
	}

	users := store.NewRedisUserStore(rc, mem, 1)
	locker := idempotency.NewLocker(rc, time.Minute, zerolog.Nop())
	router := NewRouter(Deps{
		Ledger:        ledger.NewService(mem, users, zerolog.Nop(), ledger.Config{}),
		Calls:         calls.NewService(mem, locker, nil, zerolog.Nop(), calls.Config{PlatformFeePercent: 20}),
		Sessions:      sessions.NewService(mem, locker, nil, zerolog.Nop(), sessions.Config{PlatformFeePercent: 20}),
		Renewal:       renewal.NewService(mem, locker, nil, zerolog.Nop(), renewal.Config{PlatformFeePercent: 20}),
		Links:         users,
		Health:        map[string]Pinger{"store": mem, "redis": rc},
		Log:           zerolog.Nop(),
		BotUsername:   "coinmeter_bot",
		InternalToken: "secret",
	})
	return &testServer{router: router, mem: mem, users: users}
}

type call struct {
	method, path, user, key string
	body                    any
	header                  map[string]string
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set(headerUserID, c.user)
	}
	if c.key != "" {
		req.Header.Set(headerIdempotency, c.key)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]any{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestCallFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	req := call{method: http.MethodPost, path: "/v1/calls", user: "fan", key: "k1",
		body: map[string]any{"creatorId": "creator", "callType": "video"}}

	code, out := s.do(t, req)
	if code != http.StatusCreated {
		t.Fatalf("request: %d %v", code, out)
	}
	callID := out["call"].(map[string]any)["id"].(string)

	code, out = s.do(t, req)
	if code != http.StatusOK || out["duplicate"] != true {
		t.Fatalf("replay: %d %v", code, out)
	}

	code, _ = s.do(t, call{method: http.MethodPost, path: "/v1/calls/" + callID + "/accept", user: "fan", key: "a0"})
	if code != http.StatusForbidden {
		t.Fatalf("fan accepting own call: %d", code)
	}
	if code, out = s.do(t, call{method: http.MethodPost, path: "/v1/calls/" + callID + "/accept", user: "creator", key: "a1"}); code != http.StatusOK {
		t.Fatalf("accept: %d %v", code, out)
	}
	if code, out = s.do(t, call{method: http.MethodPost, path: "/v1/calls/" + callID + "/connect", user: "fan", key: "c1"}); code != http.StatusOK {
		t.Fatalf("connect: %d %v", code, out)
	}
	code, out = s.do(t, call{method: http.MethodPost, path: "/v1/calls/" + callID + "/end", user: "fan", key: "e1"})
	if code != http.StatusOK || out["chargedCoins"].(float64) != 50 {
		t.Fatalf("end: %d %v", code, out)
	}

	code, out = s.do(t, call{method: http.MethodGet, path: "/v1/wallet", user: "fan"})
	if code != http.StatusOK || out["balance"].(float64) != 50 || out["availableBalance"].(float64) != 50 {
		t.Fatalf("wallet: %d %v", code, out)
	}
	code, out = s.do(t, call{method: http.MethodGet, path: "/v1/wallet/transactions?limit=10", user: "fan"})
	if code != http.StatusOK || len(out["transactions"].([]any)) != 1 {
		t.Fatalf("transactions: %d %v", code, out)
	}
	if err := s.mem.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		req  call
		want int
	}{
		{"no user", call{method: http.MethodGet, path: "/v1/wallet"}, http.StatusUnauthorized},
		{"insufficient funds", call{method: http.MethodPost, path: "/v1/calls", user: "poor",
			body: map[string]any{"creatorId": "creator", "callType": "video"}}, http.StatusPaymentRequired},
		{"creator unavailable", call{method: http.MethodPost, path: "/v1/calls", user: "fan",
			body: map[string]any{"creatorId": "nobody", "callType": "video"}}, http.StatusConflict},
		{"bad call type", call{method: http.MethodPost, path: "/v1/calls", user: "fan",
			body: map[string]any{"creatorId": "creator", "callType": "fax"}}, http.StatusBadRequest},
		{"missing body field", call{method: http.MethodPost, path: "/v1/sessions", user: "fan",
			body: map[string]any{}}, http.StatusBadRequest},
		{"unknown call", call{method: http.MethodGet, path: "/v1/calls/missing", user: "fan"}, http.StatusNotFound},
		{"bad limit", call{method: http.MethodGet, path: "/v1/wallet/transactions?limit=-1", user: "fan"}, http.StatusBadRequest},
		{"internal without token", call{method: http.MethodPost, path: "/internal/renewals/run"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := s.do(t, tt.req)
			if code != tt.want {
				t.Fatalf("status = %d, want %d (%v)", code, tt.want, out)
			}
		})
	}
}

func TestSessionOverHTTP(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(t, call{method: http.MethodPost, path: "/v1/sessions", user: "fan", key: "s1",
		body: map[string]any{"creatorId": "creator"}})
	if code != http.StatusCreated || out["shouldContinue"] != true {
		t.Fatalf("start: %d %v", code, out)
	}
	id := out["session"].(map[string]any)["id"].(string)

	if code, _ = s.do(t, call{method: http.MethodGet, path: "/v1/sessions/" + id, user: "stranger"}); code != http.StatusNotFound {
		t.Fatalf("stranger read: %d", code)
	}
	code, out = s.do(t, call{method: http.MethodPost, path: "/v1/sessions/" + id + "/end", user: "fan", key: "s1-end",
		body: map[string]any{"rating": 5}})
	if code != http.StatusOK || out["shouldContinue"] != false {
		t.Fatalf("end: %d %v", code, out)
	}
}

func TestSubscriptionsAndRenewalRun(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(t, call{method: http.MethodPost, path: "/v1/subscriptions", user: "fan", key: "sub1",
		body: map[string]any{"tierId": "gold"}})
	if code != http.StatusCreated {
		t.Fatalf("subscribe: %d %v", code, out)
	}
	id := out["id"].(string)

	if code, out = s.do(t, call{method: http.MethodPost, path: "/v1/subscriptions/" + id + "/cancel", user: "fan"}); code != http.StatusOK {
		t.Fatalf("cancel: %d %v", code, out)
	}
	code, out = s.do(t, call{method: http.MethodPost, path: "/internal/renewals/run",
		header: map[string]string{headerInternalToken: "secret"}})
	if code != http.StatusOK || out["charged"].(float64) != 0 {
		t.Fatalf("run: %d %v", code, out)
	}
}

func TestLinkTelegram(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(t, call{method: http.MethodPost, path: "/v1/contacts/telegram", user: "fan"})
	if code != http.StatusCreated {
		t.Fatalf("link: %d %v", code, out)
	}
	token := out["token"].(string)
	if !strings.HasSuffix(out["link"].(string), "?start="+token) {
		t.Fatalf("link = %v", out["link"])
	}
	userID, err := s.users.RedeemLinkToken(context.Background(), token)
	if err != nil || userID != "fan" {
		t.Fatalf("redeem = %q, %v", userID, err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, out := s.do(t, call{method: http.MethodGet, path: "/healthz"})
	if code != http.StatusOK {
		t.Fatalf("health: %d %v", code, out)
	}
}
