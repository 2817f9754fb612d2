package operator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	// PerformSwapSelector performSwap(address,address,bytes)
	PerformSwapSelector = SelectorOf("performSwap(address,address,bytes)")
	// RouterSwapSelector swap(address,address,uint256)
	RouterSwapSelector = SelectorOf("swap(address,address,uint256)")

	ErrSwapFailed          = domain.NewRevert(domain.KindExecution, "SO: SWAP_FAILED")
	ErrInvalidAmountSold   = domain.NewRevert(domain.KindExecution, "SO: INVALID_AMOUNT_SOLD")
	ErrInvalidAmountBought = domain.NewRevert(domain.KindExecution, "SO: INVALID_AMOUNT_BOUGHT")
	ErrUnknownPair         = domain.NewRevert(domain.KindExecution, "SR: UNKNOWN_PAIR")
)

// Router 外部流动性路由：以 caller 的余额执行 data 描述的兑换
type Router interface {
	Address() common.Address
	Swap(ctx context.Context, caller common.Address, data []byte) error
}

// SwapOperator 把 swapCallData 交给 Router 执行，按余额变化计算买入与花费
type SwapOperator struct {
	Router Router
}

var _ Operator = (*SwapOperator)(nil)

func NewSwapOperator(router Router) *SwapOperator {
	return &SwapOperator{Router: router}
}

func (o *SwapOperator) Handle(ctx *Context, selector Selector, args []byte) (*Result, error) {
	if selector != PerformSwapSelector {
		return nil, ErrUnknownSelector.Withf("selector=%s", selector)
	}
	sellToken, buyToken, data, err := decodeSwap(args)
	if err != nil {
		return nil, err
	}

	sellBefore := ctx.Bank.BalanceOf(sellToken, ctx.Self)
	buyBefore := ctx.Bank.BalanceOf(buyToken, ctx.Self)

	if err := o.Router.Swap(ctx.Ctx, ctx.Self, data); err != nil {
		return nil, ErrSwapFailed.With(err)
	}

	bought := new(big.Int).Sub(ctx.Bank.BalanceOf(buyToken, ctx.Self), buyBefore)
	sold := new(big.Int).Sub(sellBefore, ctx.Bank.BalanceOf(sellToken, ctx.Self))
	if bought.Sign() <= 0 {
		return nil, ErrInvalidAmountBought
	}
	if sold.Sign() <= 0 {
		return nil, ErrInvalidAmountSold
	}
	return &Result{
		Amounts: [2]*big.Int{bought, sold},
		Tokens:  [2]common.Address{buyToken, sellToken},
	}, nil
}

// RouterBank StaticRouter 使用的账本能力
type RouterBank interface {
	Transfer(token, from, to common.Address, amount *big.Int) error
}

type pair struct {
	sell, buy common.Address
}

type rate struct {
	num, den *big.Int
}

// StaticRouter 固定汇率的流动性路由：收取 amountIn 的 sellToken，
// 从自身库存支付 amountIn * num / den 的 buyToken。库存不足时失败。
type StaticRouter struct {
	addr common.Address
	bank RouterBank

	mu    sync.RWMutex
	rates map[pair]rate
}

var _ Router = (*StaticRouter)(nil)

func NewStaticRouter(addr common.Address, bank RouterBank) *StaticRouter {
	return &StaticRouter{addr: addr, bank: bank, rates: make(map[pair]rate)}
}

func (r *StaticRouter) Address() common.Address { return r.addr }

// SetRate 设置 sell -> buy 的汇率 num/den
func (r *StaticRouter) SetRate(sell, buy common.Address, num, den *big.Int) error {
	if num == nil || den == nil || num.Sign() <= 0 || den.Sign() <= 0 {
		return fmt.Errorf("router: invalid rate %v/%v", num, den)
	}
	r.mu.Lock()
	r.rates[pair{sell, buy}] = rate{num: new(big.Int).Set(num), den: new(big.Int).Set(den)}
	r.mu.Unlock()
	return nil
}

// Quote 按当前汇率计算输出数量
func (r *StaticRouter) Quote(sell, buy common.Address, amountIn *big.Int) (*big.Int, error) {
	r.mu.RLock()
	rt, ok := r.rates[pair{sell, buy}]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownPair.Withf("%s->%s", sell.Hex(), buy.Hex())
	}
	out := new(big.Int).Mul(amountIn, rt.num)
	return out.Quo(out, rt.den), nil
}

func (r *StaticRouter) Swap(_ context.Context, caller common.Address, data []byte) error {
	sell, buy, amountIn, err := decodeRouterSwap(data)
	if err != nil {
		return err
	}
	out, err := r.Quote(sell, buy, amountIn)
	if err != nil {
		return err
	}
	if err := r.bank.Transfer(sell, caller, r.addr, amountIn); err != nil {
		return fmt.Errorf("router pull %s: %w", sell.Hex(), err)
	}
	if err := r.bank.Transfer(buy, r.addr, caller, out); err != nil {
		return fmt.Errorf("router pay %s: %w", buy.Hex(), err)
	}
	return nil
}
