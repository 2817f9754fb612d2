package factory

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/metrics"
	"github.com/nestfolio/nestfolio/pkg/logger"
)

// LegKind Destroy 中单条腿的结局
type LegKind int

const (
	// LegSwapped 兑换成功，Bought 计入总产出
	LegSwapped LegKind = iota + 1
	// LegRawTransfer 兑换失败，原始代币扣除手续费后直接转给 owner
	LegRawTransfer
)

func (k LegKind) String() string {
	switch k {
	case LegSwapped:
		return "swapped"
	case LegRawTransfer:
		return "raw_transfer"
	default:
		return "unknown"
	}
}

func (k LegKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// LegOutcome 单条腿的结果
type LegOutcome struct {
	Kind   LegKind        `json:"kind"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`           // 从托管取回的数量
	Bought *big.Int       `json:"bought,omitempty"` // LegSwapped
	Spent  *big.Int       `json:"spent,omitempty"`  // LegSwapped
	Reason string         `json:"reason,omitempty"` // LegRawTransfer
}

// DestroyReport Destroy 的汇总
type DestroyReport struct {
	NftID    uint64         `json:"nft_id"`
	BuyToken common.Address `json:"buy_token"`
	Bought   *big.Int       `json:"bought"`
	Fees     *big.Int       `json:"fees"`
	Legs     []LegOutcome   `json:"legs"`
}

// Destroy 清算组合全部持仓换成 buyToken，扣除手续费后支付给 owner，并销毁组合。
// orders 与持仓代币按下标一一对应。某条腿失败时只回滚该腿，原始代币走兜底路径直接给 owner。
func (f *Factory) Destroy(ctx context.Context, msg domain.Msg, nftID uint64, buyToken common.Address, orders []domain.Order) (*DestroyReport, error) {
	var report *DestroyReport
	err := f.call(func() error {
		if err := f.checkOwnerAndUnlocked(msg.Sender, nftID); err != nil {
			return err
		}
		if err := f.checkReserve(nftID); err != nil {
			return err
		}
		tokens := f.records.GetAssetTokens(nftID)
		if len(tokens) != len(orders) {
			return ErrInputsLengthMustMatch.Withf("holdings=%d orders=%d", len(tokens), len(orders))
		}

		tokenBought := f.wrapped(buyToken)
		report = &DestroyReport{NftID: nftID, BuyToken: buyToken, Bought: new(big.Int), Legs: make([]LegOutcome, 0, len(tokens))}

		for i, token := range tokens {
			amount := f.records.GetAssetHolding(nftID, token)
			received, err := f.withdrawFromHolding(nftID, token, amount)
			if err != nil {
				return err
			}
			leg, err := f.destroyLeg(ctx, msg.Sender, nftID, token, tokenBought, received, orders[i])
			if err != nil {
				return err
			}
			if leg.Kind == LegSwapped {
				report.Bought.Add(report.Bought, leg.Bought)
			}
			report.Legs = append(report.Legs, leg)
		}

		fees, err := f.calculateFees(ctx, msg.Sender, report.Bought)
		if err != nil {
			return err
		}
		report.Fees = fees
		if err := f.transferFeeWithRoyalty(fees, tokenBought, nftID); err != nil {
			return err
		}
		if err := f.safeTransferAndUnwrap(buyToken, new(big.Int).Sub(report.Bought, fees), msg.Sender); err != nil {
			return err
		}

		f.records.RemoveNFT(nftID)
		if err := f.asset.Burn(f.self, msg.Sender, nftID); err != nil {
			return err
		}
		f.emitter.Emit(events.NftBurnedEvent{NftID: nftID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// destroyLeg 在嵌套的原子范围内兑换一条腿；兑换失败时回滚该腿并走兜底路径。
// 兜底路径本身失败（例如手续费转发失败）会让整个 Destroy 失败。
func (f *Factory) destroyLeg(ctx context.Context, owner common.Address, nftID uint64, token, tokenBought common.Address, amount *big.Int, order domain.Order) (LegOutcome, error) {
	var fl fill
	swapErr := f.runner.Atomic(func() error {
		var err error
		fl, err = f.submitOrder(ctx, token, tokenBought, order)
		if err != nil {
			return err
		}
		if fl.spent.Cmp(amount) > 0 {
			return ErrOverspent.Withf("token=%s spent=%s available=%s", token.Hex(), fl.spent, amount)
		}
		return nil
	})

	if swapErr == nil {
		if underSpent := new(big.Int).Sub(amount, fl.spent); underSpent.Sign() > 0 {
			if err := f.safeTransferWithFees(ctx, token, underSpent, owner, nftID); err != nil {
				return LegOutcome{}, err
			}
		}
		return LegOutcome{Kind: LegSwapped, Token: token, Amount: amount, Bought: fl.bought, Spent: fl.spent}, nil
	}

	reason := domain.ReasonOf(swapErr)
	logger.WithField("component", "factory").Warnf("destroy leg failed, failsafe withdraw: nft=%d token=%s amount=%s err=%v",
		nftID, token.Hex(), amount, swapErr)
	if err := f.safeTransferWithFees(ctx, token, amount, owner, nftID); err != nil {
		return LegOutcome{}, err
	}
	f.emitter.Emit(events.FailsafeWithdrawEvent{NftID: nftID, Token: token, Amount: new(big.Int).Set(amount), Reason: reason})
	metrics.FailsafeWithdrawals.Add(1)
	return LegOutcome{Kind: LegRawTransfer, Token: token, Amount: amount, Reason: reason}, nil
}

// Withdraw 取出组合中 tokenIndex 处的原始代币（扣除手续费）给 owner；不能取出最后一项
func (f *Factory) Withdraw(ctx context.Context, msg domain.Msg, nftID uint64, tokenIndex int) error {
	return f.call(func() error {
		if err := f.checkOwnerAndUnlocked(msg.Sender, nftID); err != nil {
			return err
		}
		if err := f.checkReserve(nftID); err != nil {
			return err
		}
		tokens := f.records.GetAssetTokens(nftID)
		if tokenIndex < 0 || tokenIndex >= len(tokens) {
			return ErrInvalidTokenIndex.Withf("index=%d holdings=%d", tokenIndex, len(tokens))
		}
		if len(tokens) == 1 {
			return ErrUnallowedEmptyPortfolio
		}
		token := tokens[tokenIndex]
		amount := f.records.GetAssetHolding(nftID, token)
		if err := f.records.DeleteAsset(nftID, tokenIndex); err != nil {
			return err
		}
		before := f.bank.BalanceOf(token, f.self)
		if err := f.reserve.Withdraw(f.self, token, amount); err != nil {
			return err
		}
		received := new(big.Int).Sub(f.bank.BalanceOf(token, f.self), before)
		if err := f.safeTransferWithFees(ctx, token, received, msg.Sender, nftID); err != nil {
			return err
		}
		f.emitter.Emit(events.NftUpdatedEvent{NftID: nftID})
		return nil
	})
}
