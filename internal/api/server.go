// Package api 通过 HTTP/JSON 暴露节点的调用与查询，并通过 websocket 推送已提交的事件。
package api

import (
	"context"
	"errors"
	"net/http"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/nestfolio/nestfolio/internal/asset"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/eventlog"
	"github.com/nestfolio/nestfolio/internal/node"
	"github.com/nestfolio/nestfolio/pkg/logger"
	"github.com/nestfolio/nestfolio/pkg/ratelimit"
)

const callTimeout = 10 * time.Second

type Server struct {
	node    *node.Node
	events  *eventlog.Log
	limiter *ratelimit.Limiter
	nonces  *nonceGuard
	hub     *Hub
	log     *logrus.Entry
}

// New events 可以为 nil（此时 /api/events 返回 503）；limiter 为 nil 时不限流；
// nonceWindow <= 0 时使用默认 5 分钟
func New(n *node.Node, events *eventlog.Log, limiter *ratelimit.Limiter, nonceWindow time.Duration) *Server {
	s := &Server{
		node:    n,
		events:  events,
		limiter: limiter,
		nonces:  newNonceGuard(nonceWindow),
		hub:     NewHub(),
		log:     logger.WithField("component", "api"),
	}
	n.AddSink(s.hub)
	return s
}

// Hub websocket 广播器
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.rateLimit())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/ws/events", s.hub.serveWS)

	// 修改状态的请求必须签名
	api := r.Group("/api", s.authenticate())

	portfolios := api.Group("/portfolios")
	portfolios.POST("", s.handleCreate)
	portfolioID := portfolios.Group("/:id")
	portfolioID.GET("", s.handlePortfolio)
	portfolioID.GET("/holdings/:token", s.handleHolding)
	portfolioID.POST("/input_orders", s.handleInputOrders)
	portfolioID.POST("/output_orders", s.handleOutputOrders)
	portfolioID.POST("/destroy", s.handleDestroy)
	portfolioID.POST("/withdraw", s.handleWithdraw)
	portfolioID.POST("/lock", s.handleLock)

	fees := api.Group("/fees")
	fees.GET("/:account/:token", s.handleAmountDue)
	fees.POST("/release", s.handleRelease)

	api.GET("/operators", s.handleOperators)
	api.GET("/tokens", s.handleTokens)
	api.GET("/balances/:account/:token", s.handleBalance)
	api.POST("/staking/stake", s.handleStake)
	api.GET("/events", s.handleEvents)

	return r
}

// rateLimit 只限制修改状态的请求，按客户端 IP 计数
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || !s.limiter.Enabled() {
			c.Next()
			return
		}
		ok, wait := s.limiter.Allow(c.ClientIP())
		if !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// call 在节点中执行一次修改状态的调用并写出结果
func (s *Server) call(c *gin.Context, fn func(ctx context.Context) (any, error)) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), callTimeout)
	defer cancel()

	var result any
	res, err := s.node.Do(ctx, func() error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"call_id": res.CallID, "events": res.Events}
	if result != nil {
		body["result"] = result
	}
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.WithField("component", "api").Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": domain.ReasonOf(err), "detail": err.Error()})
}

func statusOf(err error) int {
	var bad errBadRequest
	if errors.As(err, &bad) {
		return http.StatusBadRequest
	}
	var unauth errUnauthenticated
	if errors.As(err, &unauth) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, asset.ErrNonexistentToken) {
		return http.StatusNotFound
	}
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindExecution:
		return http.StatusUnprocessableEntity
	case domain.KindAccounting:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, badRequestf("invalid body: %v", err))
		return false
	}
	return true
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id == 0 {
		writeError(c, badRequestf("invalid portfolio id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
