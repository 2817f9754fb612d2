package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
)

// Event 可观测事件
type Event interface {
	EventName() string
}

// Emitter 组件向其发出事件（通常是本次调用的 Log）
type Emitter interface {
	Emit(e Event)
}

// NftCreatedEvent 组合创建
type NftCreatedEvent struct {
	NftID      uint64 `json:"nft_id"`
	OriginalID uint64 `json:"original_id"`
}

// NftUpdatedEvent 组合持仓变化
type NftUpdatedEvent struct {
	NftID uint64 `json:"nft_id"`
}

// NftBurnedEvent 组合销毁
type NftBurnedEvent struct {
	NftID uint64 `json:"nft_id"`
}

// FailsafeWithdrawEvent destroy 时某条腿失败，原始代币直接转给 owner
type FailsafeWithdrawEvent struct {
	NftID  uint64         `json:"nft_id"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
	Reason string         `json:"reason"`
}

// OperatorAddedEvent factory 新增所需 operator
type OperatorAddedEvent struct {
	Name domain.OperatorName `json:"name"`
}

// OperatorRemovedEvent factory 移除 operator
type OperatorRemovedEvent struct {
	Name domain.OperatorName `json:"name"`
}

// OperatorImportedEvent resolver 导入定义
type OperatorImportedEvent struct {
	Name           domain.OperatorName `json:"name"`
	Implementation common.Address      `json:"implementation"`
	Selector       string              `json:"selector"`
}

// CacheUpdatedEvent factory 本地缓存刷新
type CacheUpdatedEvent struct {
	Name           domain.OperatorName `json:"name"`
	Implementation common.Address      `json:"implementation"`
	Selector       string              `json:"selector"`
}

// VipDiscountChangedEvent VIP 折扣参数变更
type VipDiscountChangedEvent struct {
	Discount  uint64   `json:"discount"`
	MinAmount *big.Int `json:"min_amount"`
}

// TokensUnlockedEvent 管理员取回滞留在 factory 的代币
type TokensUnlockedEvent struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// LockTimestampIncreasedEvent 组合锁定时间延长
type LockTimestampIncreasedEvent struct {
	NftID     uint64 `json:"nft_id"`
	Timestamp int64  `json:"timestamp"`
}

// MaxHoldingsChangedEvent 持仓数量上限变更
type MaxHoldingsChangedEvent struct {
	Previous uint64 `json:"previous"`
	Next     uint64 `json:"next"`
}

// FeesReceivedEvent fee splitter 实际收到的手续费
type FeesReceivedEvent struct {
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// RoyaltiesReceivedEvent 版税记入某个地址
type RoyaltiesReceivedEvent struct {
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    *big.Int       `json:"amount"`
}

// PaymentReleasedEvent 股东领取
type PaymentReleasedEvent struct {
	To     common.Address `json:"to"`
	Token  common.Address `json:"token"`
	Amount *big.Int       `json:"amount"`
}

// ShareholdersUpdatedEvent 股东集合替换
type ShareholdersUpdatedEvent struct {
	Accounts []common.Address `json:"accounts"`
	Weights  []uint64         `json:"weights"`
}

// ShareholderUpdatedEvent 单个股东权重变更
type ShareholderUpdatedEvent struct {
	Index  int    `json:"index"`
	Weight uint64 `json:"weight"`
}

// RoyaltiesWeightUpdatedEvent 版税权重变更
type RoyaltiesWeightUpdatedEvent struct {
	Weight uint64 `json:"weight"`
}

// StakedEvent 质押
type StakedEvent struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

// UnstakedEvent 解除质押
type UnstakedEvent struct {
	Account common.Address `json:"account"`
	Amount  *big.Int       `json:"amount"`
}

func (NftCreatedEvent) EventName() string             { return "NftCreated" }
func (NftUpdatedEvent) EventName() string             { return "NftUpdated" }
func (NftBurnedEvent) EventName() string              { return "NftBurned" }
func (FailsafeWithdrawEvent) EventName() string       { return "FailsafeWithdraw" }
func (OperatorAddedEvent) EventName() string          { return "OperatorAdded" }
func (OperatorRemovedEvent) EventName() string        { return "OperatorRemoved" }
func (OperatorImportedEvent) EventName() string       { return "OperatorImported" }
func (CacheUpdatedEvent) EventName() string           { return "CacheUpdated" }
func (VipDiscountChangedEvent) EventName() string     { return "VipDiscountChanged" }
func (TokensUnlockedEvent) EventName() string         { return "TokensUnlocked" }
func (LockTimestampIncreasedEvent) EventName() string { return "LockTimestampIncreased" }
func (MaxHoldingsChangedEvent) EventName() string     { return "MaxHoldingsChanged" }
func (FeesReceivedEvent) EventName() string           { return "FeesReceived" }
func (RoyaltiesReceivedEvent) EventName() string      { return "RoyaltiesReceived" }
func (PaymentReleasedEvent) EventName() string        { return "PaymentReleased" }
func (ShareholdersUpdatedEvent) EventName() string    { return "ShareholdersUpdated" }
func (ShareholderUpdatedEvent) EventName() string     { return "ShareholderUpdated" }
func (RoyaltiesWeightUpdatedEvent) EventName() string { return "RoyaltiesWeightUpdated" }
func (StakedEvent) EventName() string                 { return "Staked" }
func (UnstakedEvent) EventName() string               { return "Unstaked" }
