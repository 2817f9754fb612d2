package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/pkg/cache"
	"github.com/nestfolio/nestfolio/pkg/reqsign"
)

const (
	signerKey    = "nestfolio.signer"
	maxBodyBytes = 1 << 20

	defaultNonceWindow = 5 * time.Minute
)

// ErrSenderNotSigner 请求体中的 sender 与签名者不一致
var ErrSenderNotSigner = domain.NewRevert(domain.KindAuthorization, "API: SENDER_NOT_SIGNER")

// errUnauthenticated 缺少签名、签名无效或 nonce 不可用
type errUnauthenticated struct{ msg string }

func (e errUnauthenticated) Error() string { return e.msg }

func unauthenticatedf(format string, args ...any) error {
	return errUnauthenticated{msg: fmt.Sprintf(format, args...)}
}

// nonceGuard nonce 是毫秒时间戳：必须落在 now±window 内，且对同一签名者严格递增。
// 超过 window 的记录可以丢弃，窗口本身已经拒绝更旧的 nonce。
type nonceGuard struct {
	mu     sync.Mutex
	window time.Duration
	last   *cache.TTLCache[common.Address, uint64]
	now    func() time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = defaultNonceWindow
	}
	return &nonceGuard{
		window: window,
		last:   cache.New[common.Address, uint64](3 * window),
		now:    time.Now,
	}
}

func (g *nonceGuard) accept(signer common.Address, nonce uint64) error {
	now := g.now().UnixMilli()
	w := g.window.Milliseconds()
	if nonce > uint64(now+w) || int64(nonce) < now-w {
		return unauthenticatedf("nonce %d outside window of %s", nonce, g.window)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last.Get(signer); ok && nonce <= last {
		return unauthenticatedf("nonce %d already used (last %d)", nonce, last)
	}
	g.last.Set(signer, nonce)
	return nil
}

// authenticate 校验修改状态请求的签名，签名者存入 gin.Context
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet {
			c.Next()
			return
		}
		signer, err := s.verify(c)
		if err != nil {
			writeError(c, err)
			c.Abort()
			return
		}
		c.Set(signerKey, signer)
		c.Next()
	}
}

func (s *Server) verify(c *gin.Context) (common.Address, error) {
	sig := c.GetHeader(reqsign.HeaderSignature)
	if sig == "" {
		return common.Address{}, unauthenticatedf("missing %s header", reqsign.HeaderSignature)
	}
	nonce, err := strconv.ParseUint(c.GetHeader(reqsign.HeaderNonce), 10, 64)
	if err != nil {
		return common.Address{}, unauthenticatedf("invalid %s header", reqsign.HeaderNonce)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return common.Address{}, badRequestf("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return common.Address{}, badRequestf("body exceeds %d bytes", maxBodyBytes)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	signer, err := reqsign.Recover(sig, c.Request.Method, c.Request.URL.Path, nonce, body)
	if err != nil {
		return common.Address{}, unauthenticatedf("%v", err)
	}
	if err := s.nonces.accept(signer, nonce); err != nil {
		return common.Address{}, err
	}
	return signer, nil
}

func signerOf(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(signerKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
