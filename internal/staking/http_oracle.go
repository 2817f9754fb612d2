package staking

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/nestfolio/nestfolio/pkg/cache"
)

// stakeResponse GET /stakes/{account} 的返回
type stakeResponse struct {
	Account string `json:"account"`
	Amount  string `json:"amount"` // 十进制 wei
}

// HTTPOracle 从外部 REST 服务读取质押数量；成功的结果按 cacheTTL 缓存
type HTTPOracle struct {
	client *resty.Client
	cache  *cache.TTLCache[common.Address, *big.Int]
}

var _ Oracle = (*HTTPOracle)(nil)

// NewHTTPOracle host 形如 https://staking.example.org；cacheTTL 为 0 时不缓存
func NewHTTPOracle(host string, timeout, cacheTTL time.Duration) *HTTPOracle {
	host = strings.TrimSuffix(host, "/")
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Accept", "application/json")
	return &HTTPOracle{client: client, cache: cache.New[common.Address, *big.Int](cacheTTL)}
}

func (o *HTTPOracle) StakedAmount(ctx context.Context, account common.Address) (*big.Int, error) {
	if v, ok := o.cache.Get(account); ok {
		return new(big.Int).Set(v), nil
	}
	var out stakeResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetPathParam("account", account.Hex()).
		SetResult(&out).
		Get("/stakes/{account}")
	if err != nil {
		return nil, errors.Wrap(err, "staking oracle request")
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("staking oracle http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	amount, ok := new(big.Int).SetString(out.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("staking oracle: invalid amount %q", out.Amount)
	}
	o.cache.Set(account, new(big.Int).Set(amount))
	return amount, nil
}
