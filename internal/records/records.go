// Package records 组合持仓账本：每个组合 token -> 数量，并限制不同代币的数量上限。
// 账本只由 factory 修改；上限由管理员设置。
package records

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
)

var (
	ErrTooManyTokens        = domain.NewRevert(domain.KindValidation, "NRC: TOO_MANY_TOKENS")
	ErrInvalidMaxHoldings   = domain.NewRevert(domain.KindValidation, "NRC: INVALID_MAX_HOLDINGS")
	ErrInvalidIndex         = domain.NewRevert(domain.KindValidation, "NRC: INVALID_INDEX")
	ErrTokenMismatch        = domain.NewRevert(domain.KindValidation, "NRC: TOKEN_MISMATCH")
	ErrHoldingInactive      = domain.NewRevert(domain.KindAccounting, "NRC: HOLDING_INACTIVE")
	ErrInvalidReserve       = domain.NewRevert(domain.KindValidation, "NRC: INVALID_RESERVE")
	ErrReserveMismatch      = domain.NewRevert(domain.KindValidation, "NRC: RESERVE_MISMATCH")
	ErrLockPeriodDecrease   = domain.NewRevert(domain.KindValidation, "NRC: LOCK_PERIOD_CANT_DECREASE")
	ErrInvalidHoldingAmount = domain.NewRevert(domain.KindValidation, "NRC: INVALID_AMOUNT")
)

// DefaultMaxHoldingsCount 默认不同代币数量上限
const DefaultMaxHoldingsCount = 15

// Holding 组合中的一项持仓
type Holding struct {
	Token    common.Address `json:"token"`
	Amount   *big.Int       `json:"amount"`
	IsActive bool           `json:"is_active"`
}

type record struct {
	Holdings      map[common.Address]*big.Int `json:"holdings"`
	Tokens        []common.Address            `json:"tokens"`
	Reserve       common.Address              `json:"reserve"`
	LockTimestamp int64                       `json:"lock_timestamp"`
}

type state struct {
	Records          map[uint64]*record `json:"records"`
	MaxHoldingsCount uint64             `json:"max_holdings_count"`
}

// Records 持仓账本
type Records struct {
	*access.Ownable

	mu      sync.RWMutex
	st      state
	emitter events.Emitter
}

// New 创建账本；maxHoldingsCount 为 0 时使用默认值
func New(owner common.Address, maxHoldingsCount uint64, emitter events.Emitter) *Records {
	if maxHoldingsCount == 0 {
		maxHoldingsCount = DefaultMaxHoldingsCount
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Records{
		Ownable: access.NewOwnable(owner),
		st: state{
			Records:          make(map[uint64]*record),
			MaxHoldingsCount: maxHoldingsCount,
		},
		emitter: emitter,
	}
}

// MaxHoldingsCount 当前上限
func (r *Records) MaxHoldingsCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.MaxHoldingsCount
}

// SetMaxHoldingsCount 管理员设置上限，n 必须 >= 1。只影响之后新增的代币。
func (r *Records) SetMaxHoldingsCount(caller common.Address, n uint64) error {
	if err := r.OnlyOwner(caller); err != nil {
		return err
	}
	if n < 1 {
		return ErrInvalidMaxHoldings
	}
	r.mu.Lock()
	prev := r.st.MaxHoldingsCount
	r.st.MaxHoldingsCount = n
	r.mu.Unlock()
	r.emitter.Emit(events.MaxHoldingsChangedEvent{Previous: prev, Next: n})
	return nil
}

// Store 记入 amount：已有持仓则累加，否则新增一项。amount 为 0 时什么都不做。
func (r *Records) Store(nftID uint64, token common.Address, amount *big.Int, reserve common.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidHoldingAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.recordLocked(nftID)
	if current, ok := rec.Holdings[token]; ok {
		if rec.Reserve != reserve {
			return ErrReserveMismatch
		}
		rec.Holdings[token] = new(big.Int).Add(current, amount)
		return nil
	}
	if uint64(len(rec.Tokens)) >= r.st.MaxHoldingsCount {
		return ErrTooManyTokens.Withf("nft=%d max=%d", nftID, r.st.MaxHoldingsCount)
	}
	if reserve == (common.Address{}) || (rec.Reserve != (common.Address{}) && rec.Reserve != reserve) {
		return ErrInvalidReserve
	}
	rec.Holdings[token] = new(big.Int).Set(amount)
	rec.Tokens = append(rec.Tokens, token)
	rec.Reserve = reserve
	return nil
}

// Update 设置 index 处持仓的数量；newAmount 为 0 时删除该项（与末尾交换后弹出，顺序不保证）
func (r *Records) Update(nftID uint64, index int, token common.Address, newAmount *big.Int) error {
	if newAmount == nil || newAmount.Sign() < 0 {
		return ErrInvalidHoldingAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.st.Records[nftID]
	if !ok || index < 0 || index >= len(rec.Tokens) {
		return ErrInvalidIndex.Withf("nft=%d index=%d", nftID, index)
	}
	if rec.Tokens[index] != token {
		return ErrTokenMismatch
	}
	if newAmount.Sign() == 0 {
		return r.deleteLocked(rec, index)
	}
	rec.Holdings[token] = new(big.Int).Set(newAmount)
	return nil
}

// UpdateHoldingAmount 按代币设置数量；0 表示移除。代币必须已在持仓中（移除时不存在则忽略）。
func (r *Records) UpdateHoldingAmount(nftID uint64, token common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidHoldingAmount
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.st.Records[nftID]
	if !ok {
		if amount.Sign() == 0 {
			return nil
		}
		return ErrHoldingInactive.Withf("nft=%d token=%s", nftID, token.Hex())
	}
	index := lo.IndexOf(rec.Tokens, token)
	if amount.Sign() == 0 {
		if index < 0 {
			return nil
		}
		return r.deleteLocked(rec, index)
	}
	if index < 0 {
		return ErrHoldingInactive.Withf("nft=%d token=%s", nftID, token.Hex())
	}
	rec.Holdings[token] = new(big.Int).Set(amount)
	return nil
}

// DeleteAsset 删除 index 处的持仓
func (r *Records) DeleteAsset(nftID uint64, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.st.Records[nftID]
	if !ok || index < 0 || index >= len(rec.Tokens) {
		return ErrInvalidIndex.Withf("nft=%d index=%d", nftID, index)
	}
	return r.deleteLocked(rec, index)
}

// FreeHolding 清空某个代币的持仓
func (r *Records) FreeHolding(nftID uint64, token common.Address) error {
	return r.UpdateHoldingAmount(nftID, token, new(big.Int))
}

// RemoveNFT 删除整个组合记录
func (r *Records) RemoveNFT(nftID uint64) {
	r.mu.Lock()
	delete(r.st.Records, nftID)
	r.mu.Unlock()
}

// SetLockTimestamp 延长锁定时间，不允许缩短
func (r *Records) SetLockTimestamp(nftID uint64, ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(nftID)
	if ts < rec.LockTimestamp {
		return ErrLockPeriodDecrease
	}
	rec.LockTimestamp = ts
	return nil
}

// GetLockTimestamp 锁定截止时间（unix 秒），0 表示未锁定
func (r *Records) GetLockTimestamp(nftID uint64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.st.Records[nftID]; ok {
		return rec.LockTimestamp
	}
	return 0
}

// GetAssetTokens 持仓代币列表（副本）；顺序反映插入与压缩，修改后不保证稳定
func (r *Records) GetAssetTokens(nftID uint64) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.st.Records[nftID]
	if !ok {
		return []common.Address{}
	}
	return append([]common.Address{}, rec.Tokens...)
}

// GetAssetTokensLength 不同代币数量
func (r *Records) GetAssetTokensLength(nftID uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.st.Records[nftID]; ok {
		return len(rec.Tokens)
	}
	return 0
}

// GetAssetHolding 持仓数量，不存在时为 0
func (r *Records) GetAssetHolding(nftID uint64, token common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.st.Records[nftID]; ok {
		if amount, ok := rec.Holdings[token]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return new(big.Int)
}

// GetAssetReserve 组合绑定的托管地址
func (r *Records) GetAssetReserve(nftID uint64) common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.st.Records[nftID]; ok {
		return rec.Reserve
	}
	return common.Address{}
}

// Holdings 按代币顺序返回全部持仓
func (r *Records) Holdings(nftID uint64) []Holding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.st.Records[nftID]
	if !ok {
		return []Holding{}
	}
	return lo.Map(rec.Tokens, func(token common.Address, _ int) Holding {
		amount := rec.Holdings[token]
		return Holding{Token: token, Amount: new(big.Int).Set(amount), IsActive: amount.Sign() > 0}
	})
}

// TotalHeld 所有组合中某代币的总量（应等于托管地址中该代币的余额）
func (r *Records) TotalHeld(token common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := new(big.Int)
	for _, rec := range r.st.Records {
		if amount, ok := rec.Holdings[token]; ok {
			total.Add(total, amount)
		}
	}
	return total
}

// NftIDs 有记录的组合
func (r *Records) NftIDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.st.Records)
}

func (r *Records) recordLocked(nftID uint64) *record {
	rec, ok := r.st.Records[nftID]
	if !ok {
		rec = &record{Holdings: make(map[common.Address]*big.Int)}
		r.st.Records[nftID] = rec
	}
	return rec
}

func (r *Records) deleteLocked(rec *record, index int) error {
	token := rec.Tokens[index]
	if amount, ok := rec.Holdings[token]; !ok || amount.Sign() == 0 {
		return ErrHoldingInactive
	}
	delete(rec.Holdings, token)
	last := len(rec.Tokens) - 1
	rec.Tokens[index] = rec.Tokens[last]
	rec.Tokens = rec.Tokens[:last]
	return nil
}

// Snapshot 深拷贝
func (r *Records) Snapshot() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.clone()
}

// Restore 恢复快照
func (r *Records) Restore(snapshot any) {
	st := snapshot.(state)
	r.mu.Lock()
	r.st = st.clone()
	r.mu.Unlock()
}

func (r *Records) StateKey() string { return "records" }

func (r *Records) MarshalState() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(r.st)
}

func (r *Records) UnmarshalState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode records state: %w", err)
	}
	if st.Records == nil {
		st.Records = make(map[uint64]*record)
	}
	for _, rec := range st.Records {
		if rec.Holdings == nil {
			rec.Holdings = make(map[common.Address]*big.Int)
		}
	}
	if st.MaxHoldingsCount == 0 {
		st.MaxHoldingsCount = DefaultMaxHoldingsCount
	}
	r.mu.Lock()
	r.st = st
	r.mu.Unlock()
	return nil
}

func (s state) clone() state {
	out := state{
		Records:          make(map[uint64]*record, len(s.Records)),
		MaxHoldingsCount: s.MaxHoldingsCount,
	}
	for id, rec := range s.Records {
		cp := &record{
			Holdings:      make(map[common.Address]*big.Int, len(rec.Holdings)),
			Tokens:        append([]common.Address{}, rec.Tokens...),
			Reserve:       rec.Reserve,
			LockTimestamp: rec.LockTimestamp,
		}
		for token, amount := range rec.Holdings {
			cp.Holdings[token] = new(big.Int).Set(amount)
		}
		out.Records[id] = cp
	}
	return out
}
