package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/BatmanBruc/coinmeter/internal/calls"
	"github.com/BatmanBruc/coinmeter/internal/sessions"
	"github.com/BatmanBruc/coinmeter/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Server) getWallet(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Ledger.GetBalance(c.Request.Context(), userID(c)))
}

func (s *Server) listTransactions(c *gin.Context) {
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	recs, err := s.deps.Ledger.History(c.Request.Context(), userID(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": recs})
}

// Calls

func (s *Server) requestCall(c *gin.Context) {
	var req struct {
		CreatorID string         `json:"creatorId" binding:"required"`
		CallType  types.CallType `json:"callType" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.deps.Calls.Request(c.Request.Context(), calls.RequestCall{
		FanID:     userID(c),
		CreatorID: req.CreatorID,
		CallType:  req.CallType,
		Nonce:     nonceOf(c),
	})
	s.respondCall(c, http.StatusCreated, res, err)
}

func (s *Server) getCall(c *gin.Context) {
	call, err := s.deps.Calls.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (s *Server) transition(c *gin.Context) calls.Transition {
	return calls.Transition{CallID: c.Param("id"), ActorID: userID(c), Nonce: nonceOf(c)}
}

func (s *Server) acceptCall(c *gin.Context) {
	res, err := s.deps.Calls.Accept(c.Request.Context(), s.transition(c))
	s.respondCall(c, http.StatusOK, res, err)
}

func (s *Server) rejectCall(c *gin.Context) {
	res, err := s.deps.Calls.Reject(c.Request.Context(), s.transition(c))
	s.respondCall(c, http.StatusOK, res, err)
}

func (s *Server) cancelCall(c *gin.Context) {
	res, err := s.deps.Calls.Cancel(c.Request.Context(), s.transition(c))
	s.respondCall(c, http.StatusOK, res, err)
}

func (s *Server) connectCall(c *gin.Context) {
	res, err := s.deps.Calls.Connect(c.Request.Context(), s.transition(c))
	s.respondCall(c, http.StatusOK, res, err)
}

func (s *Server) extendCall(c *gin.Context) {
	var req struct {
		AdditionalMinutes int `json:"additionalMinutes" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.deps.Calls.Extend(c.Request.Context(), calls.ExtendCall{
		CallID:            c.Param("id"),
		ActorID:           userID(c),
		AdditionalMinutes: req.AdditionalMinutes,
		Nonce:             nonceOf(c),
	})
	s.respondCall(c, http.StatusOK, res, err)
}

func (s *Server) endCall(c *gin.Context) {
	res, err := s.deps.Calls.End(c.Request.Context(), s.transition(c))
	s.respondCall(c, http.StatusOK, res, err)
}

// AI sessions

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		CreatorID string `json:"creatorId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.deps.Sessions.Start(c.Request.Context(), sessions.StartSession{
		FanID:     userID(c),
		CreatorID: req.CreatorID,
		Nonce:     nonceOf(c),
	})
	s.respondSession(c, http.StatusCreated, res, err)
}

func (s *Server) getSession(c *gin.Context) {
	ss, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ss)
}

func (s *Server) tickSession(c *gin.Context) {
	res, err := s.deps.Sessions.Tick(c.Request.Context(), sessions.Tick{
		SessionID: c.Param("id"),
		ActorID:   userID(c),
		Nonce:     nonceOf(c),
	})
	s.respondSession(c, http.StatusOK, res, err)
}

func (s *Server) endSession(c *gin.Context) {
	var req struct {
		Rating *int `json:"rating"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	res, err := s.deps.Sessions.End(c.Request.Context(), sessions.EndSession{
		SessionID: c.Param("id"),
		ActorID:   userID(c),
		Rating:    req.Rating,
		Nonce:     nonceOf(c),
	})
	s.respondSession(c, http.StatusOK, res, err)
}

// Subscriptions

func (s *Server) subscribe(c *gin.Context) {
	var req struct {
		TierID string `json:"tierId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sub, err := s.deps.Renewal.Subscribe(c.Request.Context(), userID(c), req.TierID, nonceOf(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.deps.Renewal.Get(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) cancelSubscription(c *gin.Context) {
	sub, err := s.deps.Renewal.Cancel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (s *Server) runRenewals(c *gin.Context) {
	res, err := s.deps.Renewal.ProcessRenewals(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Contacts

func (s *Server) linkTelegram(c *gin.Context) {
	token, err := s.deps.Links.IssueLinkToken(c.Request.Context(), userID(c), s.deps.LinkTTL)
	if err != nil {
		s.writeError(c, err)
		return
	}
	body := gin.H{"token": token, "expiresIn": int64(s.deps.LinkTTL.Seconds())}
	if s.deps.BotUsername != "" {
		body["link"] = "https://t.me/" + s.deps.BotUsername + "?start=" + url.QueryEscape(token)
	}
	c.JSON(http.StatusCreated, body)
}

// respondCall writes a call result. A replayed request answers 200 with the
// current state instead of created.
func (s *Server) respondCall(c *gin.Context, status int, res *calls.Result, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) respondSession(c *gin.Context, status int, res *sessions.Result, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}
