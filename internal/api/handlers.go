package api

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/eventlog"
	"github.com/nestfolio/nestfolio/internal/operator"
	"github.com/nestfolio/nestfolio/internal/records"
)

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	inputs, err := parseInputs(s.node, req.Inputs)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(ctx context.Context) (any, error) {
		id, err := s.node.Factory.Create(ctx, msg, req.OriginalID, inputs)
		if err != nil {
			return nil, err
		}
		return gin.H{"nft_id": id}, nil
	})
}

func (s *Server) handleInputOrders(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req inputOrdersRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	inputs, err := parseInputs(s.node, req.Inputs)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(ctx context.Context) (any, error) {
		return nil, s.node.Factory.ProcessInputOrders(ctx, msg, id, inputs)
	})
}

func (s *Server) handleOutputOrders(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req outputOrdersRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	outputs, err := parseOutputs(s.node, req.Outputs)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(ctx context.Context) (any, error) {
		return nil, s.node.Factory.ProcessOutputOrders(ctx, msg, id, outputs)
	})
}

func (s *Server) handleDestroy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req destroyRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	orders, err := parseOrders(s.node, req.Orders)
	if err != nil {
		writeError(c, err)
		return
	}
	buyToken := s.node.TokenAddress(req.BuyToken)
	s.call(c, func(ctx context.Context) (any, error) {
		report, err := s.node.Factory.Destroy(ctx, msg, id, buyToken, orders)
		if err != nil {
			return nil, err
		}
		return report, nil
	})
}

func (s *Server) handleWithdraw(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req withdrawRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(ctx context.Context) (any, error) {
		return nil, s.node.Factory.Withdraw(ctx, msg, id, req.TokenIndex)
	})
}

func (s *Server) handleLock(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req lockRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(ctx context.Context) (any, error) {
		return nil, s.node.Factory.UpdateLockTimestamp(ctx, msg, id, req.Timestamp)
	})
}

func (s *Server) handleRelease(c *gin.Context) {
	var req releaseRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(req.Tokens) == 0 {
		writeError(c, badRequestf("tokens is required"))
		return
	}
	tokens := lo.Map(req.Tokens, func(t string, _ int) common.Address { return s.node.TokenAddress(t) })
	s.call(c, func(context.Context) (any, error) {
		released, err := s.node.FeeSplitter.ReleaseTokens(msg.Sender, tokens)
		if err != nil {
			return nil, err
		}
		return gin.H{"released": lo.Map(released, func(v *big.Int, _ int) string { return v.String() })}, nil
	})
}

func (s *Server) handleStake(c *gin.Context) {
	var req stakeRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := s.parseMsg(c, req.callRequest)
	if err != nil {
		writeError(c, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	s.call(c, func(context.Context) (any, error) {
		received, err := s.node.Pool.Stake(msg.Sender, amount)
		if err != nil {
			return nil, err
		}
		return gin.H{"staked": received.String()}, nil
	})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var view portfolioView
	err := s.node.View(func() error {
		owner, err := s.node.Asset.OwnerOf(id)
		if err != nil {
			return err
		}
		view = portfolioView{
			ID:            id,
			Owner:         owner.Hex(),
			OriginalID:    s.node.Asset.OriginalAsset(id),
			Reserve:       s.node.Records.GetAssetReserve(id).Hex(),
			LockTimestamp: s.node.Records.GetLockTimestamp(id),
			Holdings: lo.Map(s.node.Records.Holdings(id), func(h records.Holding, _ int) holdingView {
				return s.holdingView(h.Token, h.Amount)
			}),
		}
		return nil
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleHolding(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	token := s.node.TokenAddress(c.Param("token"))
	var view holdingView
	_ = s.node.View(func() error {
		view = s.holdingView(token, s.node.Records.GetAssetHolding(id, token))
		return nil
	})
	c.JSON(http.StatusOK, view)
}

func (s *Server) holdingView(token common.Address, amount *big.Int) holdingView {
	v := holdingView{Token: token.Hex(), Amount: amount.String()}
	if info, ok := s.node.Bank.Token(token); ok {
		v.Symbol = info.Symbol
	}
	return v
}

func (s *Server) handleAmountDue(c *gin.Context) {
	account := s.node.Account(c.Param("account"))
	token := s.node.TokenAddress(c.Param("token"))
	var due, shares, released *big.Int
	_ = s.node.View(func() error {
		due = s.node.FeeSplitter.GetAmountDue(account, token)
		shares = s.node.FeeSplitter.Shares(account, token)
		released = s.node.FeeSplitter.Released(account, token)
		return nil
	})
	c.JSON(http.StatusOK, gin.H{
		"account":  account.Hex(),
		"token":    token.Hex(),
		"due":      due.String(),
		"shares":   shares.String(),
		"released": released.String(),
	})
}

func (s *Server) handleOperators(c *gin.Context) {
	var entries []operator.Entry
	var enabled []domain.OperatorName
	var cached bool
	_ = s.node.View(func() error {
		entries = s.node.Resolver.Entries()
		enabled = s.node.Factory.Operators()
		cached = s.node.Factory.IsResolverCached()
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"resolver": entries, "enabled": enabled, "cached": cached})
}

func (s *Server) handleTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tokens": s.node.Tokens()})
}

func (s *Server) handleBalance(c *gin.Context) {
	account := s.node.Account(c.Param("account"))
	token := s.node.TokenAddress(c.Param("token"))
	var balance *big.Int
	_ = s.node.View(func() error {
		if token == domain.ETH {
			balance = s.node.Bank.NativeBalanceOf(account)
		} else {
			balance = s.node.Bank.BalanceOf(token, account)
		}
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"account": account.Hex(), "token": token.Hex(), "balance": balance.String()})
}

func (s *Server) handleEvents(c *gin.Context) {
	if s.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event log is disabled"})
		return
	}
	f := eventlog.Filter{
		Name:   strings.TrimSpace(c.Query("name")),
		CallID: strings.TrimSpace(c.Query("call_id")),
		Limit:  queryInt(c, "limit", 50),
	}
	recs, err := s.events.Recent(c.Request.Context(), f)
	if err != nil {
		s.log.Errorf("list events: %v", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}
