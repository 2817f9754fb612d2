// Package feesplitter 手续费分配：按权重把收到的手续费记为各股东的应得份额，
// 支持单笔付款附带一个版税接收方，股东随时领取已累计未领取的部分。
//
// 整数除法的尾差不会单独记账，留在合约中（即捐给协议），不退还。
package feesplitter

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
	"github.com/nestfolio/nestfolio/pkg/logger"
)

var (
	ErrInputsLengthMustMatch = domain.NewRevert(domain.KindValidation, "FS: INPUTS_LENGTH_MUST_MATCH")
	ErrAlreadyShareholder    = domain.NewRevert(domain.KindValidation, "FS: ALREADY_SHAREHOLDER")
	ErrZeroWeight            = domain.NewRevert(domain.KindValidation, "FS: ZERO_WEIGHT")
	ErrInvalidAddress        = domain.NewRevert(domain.KindValidation, "FS: INVALID_ADDRESS")
	ErrInvalidAccountIndex   = domain.NewRevert(domain.KindValidation, "FS: INVALID_ACCOUNT_INDEX")
	ErrInvalidRoyaltyTarget  = domain.NewRevert(domain.KindValidation, "FS: INVALID_ROYALTIES_TARGET")
	ErrNoShareholders        = domain.NewRevert(domain.KindValidation, "FS: NO_SHAREHOLDERS")
	ErrNoPaymentDue          = domain.NewRevert(domain.KindAccounting, "FS: NO_PAYMENT_DUE")
	ErrInvalidAmount         = domain.NewRevert(domain.KindValidation, "FS: INVALID_AMOUNT")
)

// Bank fee splitter 需要的账本能力
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	Withdraw(holder common.Address, amount *big.Int) error
	TransferNative(from, to common.Address, amount *big.Int) error
	WETH() common.Address
}

// Runner 让领取操作在回滚日志中原子执行（chain.State）
type Runner interface {
	Atomic(fn func() error) error
}

// Shareholder 股东及其权重
type Shareholder struct {
	Account common.Address `json:"account"`
	Weight  uint64         `json:"weight"`
}

type tokenRecord struct {
	TotalShares   *big.Int                    `json:"total_shares"`
	TotalReleased *big.Int                    `json:"total_released"`
	Shares        map[common.Address]*big.Int `json:"shares"`
	Released      map[common.Address]*big.Int `json:"released"`
}

type state struct {
	Shareholders    []Shareholder                   `json:"shareholders"`
	RoyaltiesWeight uint64                          `json:"royalties_weight"`
	Tokens          map[common.Address]*tokenRecord `json:"tokens"`
}

// FeeSplitter 手续费分配器
type FeeSplitter struct {
	*access.Ownable

	self    common.Address
	bank    Bank
	runner  Runner
	emitter events.Emitter

	mu sync.RWMutex
	st state
}

// New 创建分配器；self 为其在账本中的地址
func New(owner, self common.Address, bank Bank, royaltiesWeight uint64, runner Runner, emitter events.Emitter) (*FeeSplitter, error) {
	if royaltiesWeight == 0 {
		return nil, ErrZeroWeight
	}
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &FeeSplitter{
		Ownable: access.NewOwnable(owner),
		self:    self,
		bank:    bank,
		runner:  runner,
		emitter: emitter,
		st: state{
			RoyaltiesWeight: royaltiesWeight,
			Tokens:          make(map[common.Address]*tokenRecord),
		},
	}, nil
}

// Address 分配器账户地址
func (f *FeeSplitter) Address() common.Address { return f.self }

// SetShareholders 替换全部股东
func (f *FeeSplitter) SetShareholders(caller common.Address, accounts []common.Address, weights []uint64) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	if len(accounts) == 0 || len(accounts) != len(weights) {
		return ErrInputsLengthMustMatch
	}
	next := make([]Shareholder, 0, len(accounts))
	for i, account := range accounts {
		if weights[i] == 0 {
			return ErrZeroWeight.Withf("account=%s", account.Hex())
		}
		if account == (common.Address{}) {
			return ErrInvalidAddress
		}
		if lo.ContainsBy(next, func(s Shareholder) bool { return s.Account == account }) {
			return ErrAlreadyShareholder.Withf("account=%s", account.Hex())
		}
		next = append(next, Shareholder{Account: account, Weight: weights[i]})
	}
	f.mu.Lock()
	f.st.Shareholders = next
	f.mu.Unlock()
	f.emitter.Emit(events.ShareholdersUpdatedEvent{Accounts: accounts, Weights: weights})
	return nil
}

// UpdateShareholder 修改某个股东的权重
func (f *FeeSplitter) UpdateShareholder(caller common.Address, index int, weight uint64) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	if weight == 0 {
		return ErrZeroWeight
	}
	f.mu.Lock()
	if index < 0 || index >= len(f.st.Shareholders) {
		f.mu.Unlock()
		return ErrInvalidAccountIndex.Withf("index=%d", index)
	}
	f.st.Shareholders[index].Weight = weight
	f.mu.Unlock()
	f.emitter.Emit(events.ShareholderUpdatedEvent{Index: index, Weight: weight})
	return nil
}

// SetRoyaltiesWeight 设置版税权重（不能为 0）
func (f *FeeSplitter) SetRoyaltiesWeight(caller common.Address, weight uint64) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	if weight == 0 {
		return ErrZeroWeight
	}
	f.mu.Lock()
	f.st.RoyaltiesWeight = weight
	f.mu.Unlock()
	f.emitter.Emit(events.RoyaltiesWeightUpdatedEvent{Weight: weight})
	return nil
}

// SendFees 从 from 拉取 amount 手续费，按股东权重分配（分母不含版税权重）。
// 份额按实际到账数量计算，兼容转账扣费的代币。
func (f *FeeSplitter) SendFees(from, token common.Address, amount *big.Int) error {
	received, err := f.pull(from, token, amount)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	weights := f.shareholderWeightsLocked()
	if weights == 0 {
		return ErrNoShareholders
	}
	f.creditLocked(token, received, weights)
	f.emitter.Emit(events.FeesReceivedEvent{Token: token, Amount: received})
	return nil
}

// SendFeesWithRoyalties 同 SendFees，但分母包含版税权重，target 获得版税部分。
// target 只在本次付款中临时占一个份额位，不会成为股东。
func (f *FeeSplitter) SendFeesWithRoyalties(from, target, token common.Address, amount *big.Int) error {
	if target == (common.Address{}) {
		return ErrInvalidRoyaltyTarget
	}
	received, err := f.pull(from, token, amount)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	weights := f.shareholderWeightsLocked()
	if weights == 0 {
		return ErrNoShareholders
	}
	total := weights + f.st.RoyaltiesWeight
	f.creditLocked(token, received, total)

	royalties := shareOf(received, f.st.RoyaltiesWeight, total)
	rec := f.tokenLocked(token)
	rec.Shares[target] = new(big.Int).Add(amountOf(rec.Shares, target), royalties)

	f.emitter.Emit(events.FeesReceivedEvent{Token: token, Amount: received})
	f.emitter.Emit(events.RoyaltiesReceivedEvent{Recipient: target, Token: token, Amount: royalties})
	logger.WithField("component", "feesplitter").Debugf("royalties: target=%s token=%s amount=%s",
		target.Hex(), token.Hex(), royalties)
	return nil
}

// ReleaseToken 领取单个代币；没有可领取时返回 ErrNoPaymentDue
func (f *FeeSplitter) ReleaseToken(caller, token common.Address) (*big.Int, error) {
	out, err := f.ReleaseTokens(caller, []common.Address{token})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ReleaseTokens 批量领取。只有一个代币时无可领取会失败；多个代币时跳过无可领取的代币。
// WETH 会被解包后以原生币支付。
func (f *FeeSplitter) ReleaseTokens(caller common.Address, tokens []common.Address) ([]*big.Int, error) {
	out := make([]*big.Int, len(tokens))
	err := f.atomic(func() error {
		for i, token := range tokens {
			due := f.GetAmountDue(caller, token)
			out[i] = due
			if due.Sign() == 0 {
				if len(tokens) == 1 {
					return ErrNoPaymentDue.Withf("account=%s token=%s", caller.Hex(), token.Hex())
				}
				continue
			}

			f.mu.Lock()
			rec := f.tokenLocked(token)
			rec.Released[caller] = new(big.Int).Add(amountOf(rec.Released, caller), due)
			rec.TotalReleased = new(big.Int).Add(rec.TotalReleased, due)
			f.mu.Unlock()

			if err := f.pay(caller, token, due); err != nil {
				return err
			}
			f.emitter.Emit(events.PaymentReleasedEvent{To: caller, Token: token, Amount: new(big.Int).Set(due)})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAmountDue 可领取数量 = shares - released
func (f *FeeSplitter) GetAmountDue(account, token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.st.Tokens[token]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Sub(amountOf(rec.Shares, account), amountOf(rec.Released, account))
}

// Shares 累计应得
func (f *FeeSplitter) Shares(account, token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if rec, ok := f.st.Tokens[token]; ok {
		return new(big.Int).Set(amountOf(rec.Shares, account))
	}
	return new(big.Int)
}

// Released 累计已领取
func (f *FeeSplitter) Released(account, token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if rec, ok := f.st.Tokens[token]; ok {
		return new(big.Int).Set(amountOf(rec.Released, account))
	}
	return new(big.Int)
}

// TotalShares 该代币累计收到的手续费
func (f *FeeSplitter) TotalShares(token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if rec, ok := f.st.Tokens[token]; ok {
		return new(big.Int).Set(rec.TotalShares)
	}
	return new(big.Int)
}

// TotalReleased 该代币累计被领取
func (f *FeeSplitter) TotalReleased(token common.Address) *big.Int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if rec, ok := f.st.Tokens[token]; ok {
		return new(big.Int).Set(rec.TotalReleased)
	}
	return new(big.Int)
}

// Shareholders 当前股东（副本）
func (f *FeeSplitter) Shareholders() []Shareholder {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Shareholder{}, f.st.Shareholders...)
}

// RoyaltiesWeight 版税权重
func (f *FeeSplitter) RoyaltiesWeight() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.RoyaltiesWeight
}

// TotalWeights 股东权重之和加版税权重
func (f *FeeSplitter) TotalWeights() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.shareholderWeightsLocked() + f.st.RoyaltiesWeight
}

func (f *FeeSplitter) pull(from, token common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	before := f.bank.BalanceOf(token, f.self)
	if err := f.bank.Transfer(token, from, f.self, amount); err != nil {
		return nil, fmt.Errorf("pull fees: %w", err)
	}
	return new(big.Int).Sub(f.bank.BalanceOf(token, f.self), before), nil
}

func (f *FeeSplitter) pay(to, token common.Address, amount *big.Int) error {
	if token == f.bank.WETH() {
		if err := f.bank.Withdraw(f.self, amount); err != nil {
			return fmt.Errorf("unwrap weth: %w", err)
		}
		return f.bank.TransferNative(f.self, to, amount)
	}
	return f.bank.Transfer(token, f.self, to, amount)
}

func (f *FeeSplitter) atomic(fn func() error) error {
	if f.runner == nil {
		return fn()
	}
	return f.runner.Atomic(fn)
}

func (f *FeeSplitter) creditLocked(token common.Address, amount *big.Int, totalWeights uint64) {
	rec := f.tokenLocked(token)
	rec.TotalShares = new(big.Int).Add(rec.TotalShares, amount)
	for _, s := range f.st.Shareholders {
		rec.Shares[s.Account] = new(big.Int).Add(amountOf(rec.Shares, s.Account), shareOf(amount, s.Weight, totalWeights))
	}
}

func (f *FeeSplitter) shareholderWeightsLocked() uint64 {
	return lo.SumBy(f.st.Shareholders, func(s Shareholder) uint64 { return s.Weight })
}

func (f *FeeSplitter) tokenLocked(token common.Address) *tokenRecord {
	rec, ok := f.st.Tokens[token]
	if !ok {
		rec = &tokenRecord{
			TotalShares:   new(big.Int),
			TotalReleased: new(big.Int),
			Shares:        make(map[common.Address]*big.Int),
			Released:      make(map[common.Address]*big.Int),
		}
		f.st.Tokens[token] = rec
	}
	return rec
}

// shareOf amount * weight / totalWeights，向零取整
func shareOf(amount *big.Int, weight, totalWeights uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(weight))
	return out.Quo(out, new(big.Int).SetUint64(totalWeights))
}

func amountOf(m map[common.Address]*big.Int, account common.Address) *big.Int {
	if v, ok := m[account]; ok {
		return v
	}
	return new(big.Int)
}

// Snapshot 深拷贝
func (f *FeeSplitter) Snapshot() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.clone()
}

// Restore 恢复快照
func (f *FeeSplitter) Restore(snapshot any) {
	st := snapshot.(state)
	f.mu.Lock()
	f.st = st.clone()
	f.mu.Unlock()
}

func (f *FeeSplitter) StateKey() string { return "feesplitter" }

func (f *FeeSplitter) MarshalState() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(f.st)
}

func (f *FeeSplitter) UnmarshalState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode feesplitter state: %w", err)
	}
	if st.Tokens == nil {
		st.Tokens = make(map[common.Address]*tokenRecord)
	}
	for _, rec := range st.Tokens {
		if rec.Shares == nil {
			rec.Shares = make(map[common.Address]*big.Int)
		}
		if rec.Released == nil {
			rec.Released = make(map[common.Address]*big.Int)
		}
		if rec.TotalShares == nil {
			rec.TotalShares = new(big.Int)
		}
		if rec.TotalReleased == nil {
			rec.TotalReleased = new(big.Int)
		}
	}
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
	return nil
}

func (s state) clone() state {
	out := state{
		Shareholders:    append([]Shareholder{}, s.Shareholders...),
		RoyaltiesWeight: s.RoyaltiesWeight,
		Tokens:          make(map[common.Address]*tokenRecord, len(s.Tokens)),
	}
	for token, rec := range s.Tokens {
		out.Tokens[token] = &tokenRecord{
			TotalShares:   new(big.Int).Set(rec.TotalShares),
			TotalReleased: new(big.Int).Set(rec.TotalReleased),
			Shares:        cloneAmounts(rec.Shares),
			Released:      cloneAmounts(rec.Released),
		}
	}
	return out
}

func cloneAmounts(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
