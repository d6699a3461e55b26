// Package httpapi exposes the wallet and billing operations over HTTP.
//
// Callers are identified by the X-User-ID header set by the upstream gateway.
// Mutating requests should carry an Idempotency-Key header; a replay of the
// same key returns the current state with "duplicate": true.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/BatmanBruc/coinmeter/internal/calls"
	"github.com/BatmanBruc/coinmeter/internal/ledger"
	"github.com/BatmanBruc/coinmeter/internal/renewal"
	"github.com/BatmanBruc/coinmeter/internal/sessions"
)

// LinkIssuer creates the one-time tokens that connect a Telegram chat to a user.
type LinkIssuer interface {
	IssueLinkToken(ctx context.Context, userID string, ttl time.Duration) (string, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ledger   *ledger.Service
	Calls    *calls.Service
	Sessions *sessions.Service
	Renewal  *renewal.Service
	Links    LinkIssuer
	Health   map[string]Pinger
	Log      zerolog.Logger

	BotUsername   string
	LinkTTL       time.Duration
	InternalToken string
}

type Server struct {
	deps Deps
	log  zerolog.Logger
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(d Deps) *gin.Engine {
	if d.LinkTTL <= 0 {
		d.LinkTTL = 15 * time.Minute
	}
	s := &Server{deps: d, log: d.Log.With().Str("component", "http").Logger()}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestID, s.accessLog)
	r.GET("/healthz", s.health)

	v1 := r.Group("/v1", s.authenticate, s.nonce)
	{
		v1.GET("/wallet", s.getWallet)
		v1.GET("/wallet/transactions", s.listTransactions)

		v1.POST("/calls", s.requestCall)
		v1.GET("/calls/:id", s.getCall)
		v1.POST("/calls/:id/accept", s.acceptCall)
		v1.POST("/calls/:id/reject", s.rejectCall)
		v1.POST("/calls/:id/cancel", s.cancelCall)
		v1.POST("/calls/:id/connect", s.connectCall)
		v1.POST("/calls/:id/extend", s.extendCall)
		v1.POST("/calls/:id/end", s.endCall)

		v1.POST("/sessions", s.startSession)
		v1.GET("/sessions/:id", s.getSession)
		v1.POST("/sessions/:id/tick", s.tickSession)
		v1.POST("/sessions/:id/end", s.endSession)

		v1.POST("/subscriptions", s.subscribe)
		v1.GET("/subscriptions/:id", s.getSubscription)
		v1.POST("/subscriptions/:id/cancel", s.cancelSubscription)

		if d.Links != nil {
			v1.POST("/contacts/telegram", s.linkTelegram)
		}
	}

	if d.InternalToken != "" {
		internal := r.Group("/internal", s.internalOnly)
		internal.POST("/renewals/run", s.runRenewals)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, p := range s.deps.Health {
		if err := p.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{"checks": checks})
}
