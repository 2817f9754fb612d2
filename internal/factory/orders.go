package factory

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/metrics"
	"github.com/nestfolio/nestfolio/internal/operator"
)

// fill 单条指令的执行结果
type fill struct {
	bought *big.Int
	spent  *big.Int
}

// Create 铸造新组合（originalID 非 0 时为副本）并执行买入批次。
// 买入资金总是来自调用方钱包，批次上的 FromReserve 被忽略。
func (f *Factory) Create(ctx context.Context, msg domain.Msg, originalID uint64, inputs []domain.BatchedInputOrders) (uint64, error) {
	var nftID uint64
	err := f.call(func() error {
		if len(inputs) == 0 {
			return ErrInvalidMultiOrders
		}
		if err := f.checkMsgValue(msg, inputs); err != nil {
			return err
		}
		id, err := f.asset.Mint(f.self, msg.Sender, originalID)
		if err != nil {
			return err
		}
		nftID = id
		for _, batch := range inputs {
			if err := f.processInputBatch(ctx, msg.Sender, nftID, batch, false); err != nil {
				return err
			}
		}
		f.emitter.Emit(events.NftCreatedEvent{NftID: nftID, OriginalID: originalID})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nftID, nil
}

// ProcessInputOrders 对已有组合执行买入批次
func (f *Factory) ProcessInputOrders(ctx context.Context, msg domain.Msg, nftID uint64, inputs []domain.BatchedInputOrders) error {
	return f.call(func() error {
		if len(inputs) == 0 {
			return ErrInvalidMultiOrders
		}
		if err := f.checkOwnerAndUnlocked(msg.Sender, nftID); err != nil {
			return err
		}
		if err := f.checkMsgValue(msg, inputs); err != nil {
			return err
		}
		for _, batch := range inputs {
			if err := f.processInputBatch(ctx, msg.Sender, nftID, batch, batch.FromReserve); err != nil {
				return err
			}
		}
		f.emitter.Emit(events.NftUpdatedEvent{NftID: nftID})
		return nil
	})
}

// ProcessOutputOrders 卖出组合持仓
func (f *Factory) ProcessOutputOrders(ctx context.Context, msg domain.Msg, nftID uint64, outputs []domain.BatchedOutputOrders) error {
	return f.call(func() error {
		if len(outputs) == 0 {
			return ErrInvalidMultiOrders
		}
		if err := f.checkOwnerAndUnlocked(msg.Sender, nftID); err != nil {
			return err
		}
		for _, batch := range outputs {
			if err := f.processOutputBatch(ctx, msg.Sender, nftID, batch); err != nil {
				return err
			}
		}
		f.emitter.Emit(events.NftUpdatedEvent{NftID: nftID})
		return nil
	})
}

// ProcessInputAndOutputOrders 在同一次调用中先买入再卖出
func (f *Factory) ProcessInputAndOutputOrders(ctx context.Context, msg domain.Msg, nftID uint64, inputs []domain.BatchedInputOrders, outputs []domain.BatchedOutputOrders) error {
	return f.call(func() error {
		if len(inputs) == 0 || len(outputs) == 0 {
			return ErrInvalidMultiOrders
		}
		if err := f.checkOwnerAndUnlocked(msg.Sender, nftID); err != nil {
			return err
		}
		if err := f.checkMsgValue(msg, inputs); err != nil {
			return err
		}
		for _, batch := range inputs {
			if err := f.processInputBatch(ctx, msg.Sender, nftID, batch, batch.FromReserve); err != nil {
				return err
			}
		}
		for _, batch := range outputs {
			if err := f.processOutputBatch(ctx, msg.Sender, nftID, batch); err != nil {
				return err
			}
		}
		f.emitter.Emit(events.NftUpdatedEvent{NftID: nftID})
		return nil
	})
}

// AddTokens 用钱包中的 inputToken 买入并加入组合
func (f *Factory) AddTokens(ctx context.Context, msg domain.Msg, nftID uint64, inputToken common.Address, amount *big.Int, orders []domain.Order) error {
	return f.ProcessInputOrders(ctx, msg, nftID, []domain.BatchedInputOrders{{
		InputToken: inputToken,
		Amount:     amount,
		Orders:     orders,
	}})
}

// SwapTokenForTokens 用组合中已有的 sellToken 换成其它代币
func (f *Factory) SwapTokenForTokens(ctx context.Context, msg domain.Msg, nftID uint64, sellToken common.Address, amount *big.Int, orders []domain.Order) error {
	return f.ProcessInputOrders(ctx, msg, nftID, []domain.BatchedInputOrders{{
		InputToken:  sellToken,
		Amount:      amount,
		Orders:      orders,
		FromReserve: true,
	}})
}

// SellTokensToNft 卖出多种持仓换成 buyToken，记回组合
func (f *Factory) SellTokensToNft(ctx context.Context, msg domain.Msg, nftID uint64, buyToken common.Address, sellAmounts []*big.Int, orders []domain.Order) error {
	return f.ProcessOutputOrders(ctx, msg, nftID, []domain.BatchedOutputOrders{{
		OutputToken: buyToken,
		Amounts:     sellAmounts,
		Orders:      orders,
		ToReserve:   true,
	}})
}

// SellTokensToWallet 卖出多种持仓换成 buyToken，支付给 owner
func (f *Factory) SellTokensToWallet(ctx context.Context, msg domain.Msg, nftID uint64, buyToken common.Address, sellAmounts []*big.Int, orders []domain.Order) error {
	return f.ProcessOutputOrders(ctx, msg, nftID, []domain.BatchedOutputOrders{{
		OutputToken: buyToken,
		Amounts:     sellAmounts,
		Orders:      orders,
	}})
}

// UpdateLockTimestamp owner 延长组合的锁定时间
func (f *Factory) UpdateLockTimestamp(_ context.Context, msg domain.Msg, nftID uint64, timestamp int64) error {
	return f.call(func() error {
		if err := f.checkOwner(msg.Sender, nftID); err != nil {
			return err
		}
		if err := f.records.SetLockTimestamp(nftID, timestamp); err != nil {
			return err
		}
		f.emitter.Emit(events.LockTimestampIncreasedEvent{NftID: nftID, Timestamp: timestamp})
		return nil
	})
}

func (f *Factory) processInputBatch(ctx context.Context, sender common.Address, nftID uint64, batch domain.BatchedInputOrders, fromReserve bool) error {
	fees, tokenSold, err := f.submitInOrders(ctx, sender, nftID, batch, fromReserve)
	if err != nil {
		return err
	}
	return f.transferFeeWithRoyalty(fees, tokenSold, nftID)
}

// submitInOrders 拉取输入资金，逐条执行买入并把产出记入组合；
// 手续费按实际花费计算，花费 + 手续费不得超过输入，剩余部分退回来源。
func (f *Factory) submitInOrders(ctx context.Context, sender common.Address, nftID uint64, batch domain.BatchedInputOrders, fromReserve bool) (*big.Int, common.Address, error) {
	if len(batch.Orders) == 0 {
		return nil, common.Address{}, ErrInvalidOrders
	}
	if batch.Amount == nil || batch.Amount.Sign() <= 0 {
		return nil, common.Address{}, ErrInvalidAmount
	}
	tokenSold, inputAmount, err := f.transferInputTokens(sender, nftID, batch.InputToken, batch.Amount, fromReserve)
	if err != nil {
		return nil, common.Address{}, err
	}

	spent := new(big.Int)
	for _, order := range batch.Orders {
		fl, err := f.submitOrder(ctx, tokenSold, order.Token, order)
		if err != nil {
			return nil, common.Address{}, err
		}
		if err := f.transferToReserveAndStore(order.Token, fl.bought, nftID); err != nil {
			return nil, common.Address{}, err
		}
		spent.Add(spent, fl.spent)
	}

	fees, err := f.calculateFees(ctx, sender, spent)
	if err != nil {
		return nil, common.Address{}, err
	}
	used := new(big.Int).Add(spent, fees)
	if used.Cmp(inputAmount) > 0 {
		return nil, common.Address{}, ErrOverspent.Withf("spent=%s fees=%s input=%s", spent, fees, inputAmount)
	}
	underSpent := new(big.Int).Sub(inputAmount, used)
	if underSpent.Sign() > 0 {
		if fromReserve {
			err = f.transferToReserveAndStore(tokenSold, underSpent, nftID)
		} else {
			err = f.safeTransferAndUnwrap(batch.InputToken, underSpent, sender)
		}
		if err != nil {
			return nil, common.Address{}, err
		}
	}
	return fees, tokenSold, nil
}

func (f *Factory) processOutputBatch(ctx context.Context, sender common.Address, nftID uint64, batch domain.BatchedOutputOrders) error {
	if len(batch.Orders) == 0 {
		return ErrInvalidOrders
	}
	if len(batch.Amounts) != len(batch.Orders) {
		return ErrInputsLengthMustMatch
	}
	if err := f.checkReserve(nftID); err != nil {
		return err
	}
	tokenBought := f.wrapped(batch.OutputToken)

	bought := new(big.Int)
	for i, order := range batch.Orders {
		amount := batch.Amounts[i]
		if amount == nil || amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		received, err := f.withdrawFromHolding(nftID, order.Token, amount)
		if err != nil {
			return err
		}
		fl, err := f.submitOrder(ctx, order.Token, tokenBought, order)
		if err != nil {
			return err
		}
		if fl.spent.Cmp(received) > 0 {
			return ErrOverspent.Withf("token=%s spent=%s available=%s", order.Token.Hex(), fl.spent, received)
		}
		if err := f.transferToReserveAndStore(order.Token, new(big.Int).Sub(received, fl.spent), nftID); err != nil {
			return err
		}
		bought.Add(bought, fl.bought)
	}

	fees, err := f.calculateFees(ctx, sender, bought)
	if err != nil {
		return err
	}
	if err := f.transferFeeWithRoyalty(fees, tokenBought, nftID); err != nil {
		return err
	}
	rest := new(big.Int).Sub(bought, fees)
	if batch.ToReserve {
		return f.transferToReserveAndStore(tokenBought, rest, nftID)
	}
	return f.safeTransferAndUnwrap(batch.OutputToken, rest, sender)
}

// submitOrder 解析 operator 并以 engine 账户执行一条指令。
// 输入与输出为同一代币时余额不会变化，采用 operator 报告的数量；否则以余额变化为准。
func (f *Factory) submitOrder(ctx context.Context, inputToken, outputToken common.Address, order domain.Order) (fill, error) {
	def, err := f.requireOperator(order.Operator)
	if err != nil {
		return fill{}, err
	}
	impl, ok := f.directory.At(def.Implementation)
	if !ok {
		return fill{}, ErrOperatorCallFailed.Withf("no operator deployed at %s", def.Implementation.Hex())
	}

	inBefore := f.bank.BalanceOf(inputToken, f.self)
	outBefore := f.bank.BalanceOf(outputToken, f.self)

	res, err := impl.Handle(&operator.Context{Ctx: ctx, Self: f.self, Bank: f.bank}, def.Selector, order.CallData)
	if err != nil {
		return fill{}, ErrOperatorCallFailed.With(err)
	}
	if res == nil || res.Bought() == nil || res.Spent() == nil {
		return fill{}, ErrOperatorCallFailed.Withf("operator %s returned no amounts", order.Operator)
	}
	if res.OutputToken() != outputToken {
		return fill{}, ErrInvalidOutputToken
	}
	if res.InputToken() != inputToken {
		return fill{}, ErrInvalidInputToken
	}

	var out fill
	if inputToken == outputToken {
		out = fill{bought: new(big.Int).Set(res.Bought()), spent: new(big.Int).Set(res.Spent())}
	} else {
		out = fill{
			bought: new(big.Int).Sub(f.bank.BalanceOf(outputToken, f.self), outBefore),
			spent:  new(big.Int).Sub(inBefore, f.bank.BalanceOf(inputToken, f.self)),
		}
	}
	if out.bought.Sign() < 0 || out.spent.Sign() < 0 {
		return fill{}, ErrOperatorCallFailed.Withf("negative balance delta bought=%s spent=%s", out.bought, out.spent)
	}
	if out.bought.Sign() == 0 {
		return fill{}, ErrNothingBought.Withf("operator=%s token=%s", order.Operator, outputToken.Hex())
	}
	metrics.OrdersExecuted.Add(1)
	return out, nil
}

// transferInputTokens 把输入资金转入 engine 账户，返回实际使用的代币（ETH 被包装为 WETH）与到账数量
func (f *Factory) transferInputTokens(sender common.Address, nftID uint64, inputToken common.Address, amount *big.Int, fromReserve bool) (common.Address, *big.Int, error) {
	if inputToken == domain.ETH {
		if fromReserve {
			return common.Address{}, nil, ErrNoETHFromReserve
		}
		if f.bank.NativeBalanceOf(f.self).Cmp(amount) < 0 {
			return common.Address{}, nil, ErrInvalidAmountIn
		}
		if err := f.bank.Deposit(f.self, amount); err != nil {
			return common.Address{}, nil, fmt.Errorf("wrap eth: %w", err)
		}
		return f.bank.WETH(), new(big.Int).Set(amount), nil
	}

	if fromReserve {
		if err := f.checkReserve(nftID); err != nil {
			return common.Address{}, nil, err
		}
		received, err := f.withdrawFromHolding(nftID, inputToken, amount)
		if err != nil {
			return common.Address{}, nil, err
		}
		return inputToken, received, nil
	}

	before := f.bank.BalanceOf(inputToken, f.self)
	if err := f.bank.Transfer(inputToken, sender, f.self, amount); err != nil {
		return common.Address{}, nil, ErrInsufficientBalance.With(err)
	}
	return inputToken, new(big.Int).Sub(f.bank.BalanceOf(inputToken, f.self), before), nil
}

// withdrawFromHolding 从组合持仓中扣减 amount 并从托管取回，返回实际到账数量
func (f *Factory) withdrawFromHolding(nftID uint64, token common.Address, amount *big.Int) (*big.Int, error) {
	holding := f.records.GetAssetHolding(nftID, token)
	if holding.Cmp(amount) < 0 {
		return nil, ErrInsufficientAmount.Withf("nft=%d token=%s have=%s want=%s", nftID, token.Hex(), holding, amount)
	}
	if err := f.records.UpdateHoldingAmount(nftID, token, new(big.Int).Sub(holding, amount)); err != nil {
		return nil, err
	}
	before := f.bank.BalanceOf(token, f.self)
	if err := f.reserve.Withdraw(f.self, token, amount); err != nil {
		return nil, err
	}
	return new(big.Int).Sub(f.bank.BalanceOf(token, f.self), before), nil
}

// transferToReserveAndStore 把 amount 转入托管，按托管实际到账数量记入组合
func (f *Factory) transferToReserveAndStore(token common.Address, amount *big.Int, nftID uint64) error {
	if amount.Sign() == 0 {
		return nil
	}
	reserveAddr := f.reserve.Address()
	before := f.bank.BalanceOf(token, reserveAddr)
	if err := f.bank.Transfer(token, f.self, reserveAddr, amount); err != nil {
		return fmt.Errorf("transfer to reserve: %w", err)
	}
	received := new(big.Int).Sub(f.bank.BalanceOf(token, reserveAddr), before)
	return f.records.Store(nftID, token, received, reserveAddr)
}

// calculateFees 基础费率 1%；质押达到门槛的账户按 VIP 折扣减免
func (f *Factory) calculateFees(ctx context.Context, account common.Address, amount *big.Int) (*big.Int, error) {
	base := new(big.Int).Quo(amount, big.NewInt(100))

	f.mu.RLock()
	discount := f.st.VIPDiscount
	minAmount := f.st.VIPMinAmount
	oracle := f.staking
	f.mu.RUnlock()

	if discount == 0 || oracle == nil || base.Sign() == 0 {
		return base, nil
	}
	staked, err := oracle.StakedAmount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("staking oracle: %w", err)
	}
	if staked.Cmp(minAmount) < 0 {
		return base, nil
	}
	off := new(big.Int).Mul(base, new(big.Int).SetUint64(discount))
	off.Quo(off, big.NewInt(VIPDiscountDenominator))
	return base.Sub(base, off), nil
}

// transferFeeWithRoyalty 转发手续费；副本组合的原始持有人获得版税
func (f *Factory) transferFeeWithRoyalty(fees *big.Int, token common.Address, nftID uint64) error {
	if fees == nil || fees.Sign() == 0 {
		return nil
	}
	var err error
	if target := f.asset.OriginalOwner(nftID); target != (common.Address{}) {
		err = f.feeSplitter.SendFeesWithRoyalties(f.self, target, token, fees)
	} else {
		err = f.feeSplitter.SendFees(f.self, token, fees)
	}
	if err != nil {
		return fmt.Errorf("forward fees: %w", err)
	}
	metrics.FeesForwarded.Add(1)
	return nil
}

// safeTransferWithFees 扣除手续费后把 token 转给 dest
func (f *Factory) safeTransferWithFees(ctx context.Context, token common.Address, amount *big.Int, dest common.Address, nftID uint64) error {
	fees, err := f.calculateFees(ctx, dest, amount)
	if err != nil {
		return err
	}
	if err := f.transferFeeWithRoyalty(fees, token, nftID); err != nil {
		return err
	}
	rest := new(big.Int).Sub(amount, fees)
	if rest.Sign() == 0 {
		return nil
	}
	return f.bank.Transfer(token, f.self, dest, rest)
}

// safeTransferAndUnwrap token 为 ETH 时解包 WETH 后以原生币支付
func (f *Factory) safeTransferAndUnwrap(token common.Address, amount *big.Int, dest common.Address) error {
	if amount.Sign() == 0 {
		return nil
	}
	if token == domain.ETH {
		if err := f.bank.Withdraw(f.self, amount); err != nil {
			return fmt.Errorf("unwrap weth: %w", err)
		}
		return f.bank.TransferNative(f.self, dest, amount)
	}
	return f.bank.Transfer(token, f.self, dest, amount)
}

// checkMsgValue 附带的原生币必须正好等于 ETH 批次的总额，并转入 engine 账户
func (f *Factory) checkMsgValue(msg domain.Msg, inputs []domain.BatchedInputOrders) error {
	needed := lo.Reduce(inputs, func(acc *big.Int, b domain.BatchedInputOrders, _ int) *big.Int {
		if b.InputToken == domain.ETH && b.Amount != nil {
			acc.Add(acc, b.Amount)
		}
		return acc
	}, new(big.Int))
	value := msg.ValueOrZero()
	if value.Cmp(needed) != 0 {
		return ErrWrongMsgValue.Withf("value=%s needed=%s", value, needed)
	}
	if value.Sign() == 0 {
		return nil
	}
	if err := f.bank.TransferNative(msg.Sender, f.self, value); err != nil {
		return ErrInsufficientBalance.With(err)
	}
	return nil
}

func (f *Factory) checkOwner(sender common.Address, nftID uint64) error {
	owner, err := f.asset.OwnerOf(nftID)
	if err != nil {
		return err
	}
	if owner != sender {
		return ErrCallerNotOwner
	}
	return nil
}

func (f *Factory) checkOwnerAndUnlocked(sender common.Address, nftID uint64) error {
	if err := f.checkOwner(sender, nftID); err != nil {
		return err
	}
	if lock := f.records.GetLockTimestamp(nftID); f.clock().Unix() < lock {
		return ErrLockedNft.Withf("nft=%d until=%d", nftID, lock)
	}
	return nil
}

// checkReserve 组合必须由本 engine 的托管持有
func (f *Factory) checkReserve(nftID uint64) error {
	bound := f.records.GetAssetReserve(nftID)
	if bound != (common.Address{}) && bound != f.reserve.Address() {
		return ErrReserveMismatch
	}
	return nil
}

func (f *Factory) wrapped(token common.Address) common.Address {
	if token == domain.ETH {
		return f.bank.WETH()
	}
	return token
}
