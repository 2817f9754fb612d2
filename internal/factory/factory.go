// Package factory 组合的订单处理引擎。
//
// 每个入口（Create / ProcessInputOrders / ProcessOutputOrders / Destroy / Withdraw）都在
// 回滚日志中原子执行：任何一步失败，账本、托管、手续费与事件全部恢复到调用前。
// 唯一的例外是 Destroy 的单条腿：腿失败时只回滚这条腿，并把原始代币直接转给 owner。
package factory

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/asset"
	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
	"github.com/nestfolio/nestfolio/internal/feesplitter"
	"github.com/nestfolio/nestfolio/internal/operator"
	"github.com/nestfolio/nestfolio/internal/records"
	"github.com/nestfolio/nestfolio/internal/reserve"
	"github.com/nestfolio/nestfolio/internal/staking"
	"github.com/nestfolio/nestfolio/pkg/logger"
)

// VIPDiscountDenominator VIP 折扣的分母（千分比）
const VIPDiscountDenominator = 1000

// Bank engine 需要的账本能力
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
	NativeBalanceOf(holder common.Address) *big.Int
	TransferNative(from, to common.Address, amount *big.Int) error
	Deposit(holder common.Address, amount *big.Int) error
	Withdraw(holder common.Address, amount *big.Int) error
	WETH() common.Address
}

// Runner 回滚日志（chain.State）
type Runner interface {
	Atomic(fn func() error) error
}

// Options 构造 Factory 所需的协作者
type Options struct {
	Address      common.Address
	Owner        common.Address
	Bank         Bank
	Runner       Runner
	Records      *records.Records
	Reserve      *reserve.Reserve
	Asset        *asset.Registry
	FeeSplitter  *feesplitter.FeeSplitter
	Resolver     *operator.Resolver
	Directory    *operator.Directory
	Staking      staking.Oracle
	Emitter      events.Emitter
	VIPDiscount  uint64
	VIPMinAmount *big.Int
	// Clock 用于锁定期判断，默认 time.Now
	Clock func() time.Time
}

type state struct {
	Operators    []domain.OperatorName                        `json:"operators"`
	Cache        map[domain.OperatorName]operator.Definition `json:"cache"`
	VIPDiscount  uint64                                       `json:"vip_discount"`
	VIPMinAmount *big.Int                                     `json:"vip_min_amount"`
}

// Factory 订单处理引擎
type Factory struct {
	*access.Ownable

	self        common.Address
	bank        Bank
	runner      Runner
	records     *records.Records
	reserve     *reserve.Reserve
	asset       *asset.Registry
	feeSplitter *feesplitter.FeeSplitter
	resolver    *operator.Resolver
	directory   *operator.Directory
	emitter     events.Emitter
	clock       func() time.Time

	// entered 调用内重入保护
	entered atomic.Bool

	mu      sync.RWMutex
	st      state
	staking staking.Oracle
}

var _ operator.CacheDependent = (*Factory)(nil)

// New 创建 engine
func New(opts Options) (*Factory, error) {
	if opts.Address == (common.Address{}) {
		return nil, fmt.Errorf("factory: zero address")
	}
	if opts.Bank == nil || opts.Runner == nil || opts.Records == nil || opts.Reserve == nil ||
		opts.Asset == nil || opts.FeeSplitter == nil || opts.Resolver == nil || opts.Directory == nil {
		return nil, fmt.Errorf("factory: missing collaborator")
	}
	if opts.VIPDiscount >= VIPDiscountDenominator {
		return nil, ErrDiscountTooHigh
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	minAmount := new(big.Int)
	if opts.VIPMinAmount != nil {
		minAmount.Set(opts.VIPMinAmount)
	}
	return &Factory{
		Ownable:     access.NewOwnable(opts.Owner),
		self:        opts.Address,
		bank:        opts.Bank,
		runner:      opts.Runner,
		records:     opts.Records,
		reserve:     opts.Reserve,
		asset:       opts.Asset,
		feeSplitter: opts.FeeSplitter,
		resolver:    opts.Resolver,
		directory:   opts.Directory,
		emitter:     opts.Emitter,
		clock:       opts.Clock,
		staking:     opts.Staking,
		st: state{
			Cache:        make(map[domain.OperatorName]operator.Definition),
			VIPDiscount:  opts.VIPDiscount,
			VIPMinAmount: minAmount,
		},
	}, nil
}

// Address engine 账户地址
func (f *Factory) Address() common.Address { return f.self }

// call 入口公共流程：重入保护 + 原子执行
func (f *Factory) call(fn func() error) error {
	if !f.entered.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	defer f.entered.Store(false)
	return f.runner.Atomic(fn)
}

// AddOperator 把 name 加入所需 operator 列表并刷新缓存
func (f *Factory) AddOperator(caller common.Address, name domain.OperatorName) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	if name.IsZero() {
		return ErrInvalidOperatorName
	}
	f.mu.Lock()
	if lo.Contains(f.st.Operators, name) {
		f.mu.Unlock()
		return ErrExistentOperator.Withf("%s", name)
	}
	f.st.Operators = append(f.st.Operators, name)
	f.mu.Unlock()

	if err := f.RebuildCache(); err != nil {
		return err
	}
	f.emitter.Emit(events.OperatorAddedEvent{Name: name})
	return nil
}

// RemoveOperator 从所需列表中移除 name（与末尾交换后弹出）并删除缓存
func (f *Factory) RemoveOperator(caller common.Address, name domain.OperatorName) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	f.mu.Lock()
	idx := lo.IndexOf(f.st.Operators, name)
	if idx < 0 {
		f.mu.Unlock()
		return ErrNonExistentOperator.Withf("%s", name)
	}
	last := len(f.st.Operators) - 1
	f.st.Operators[idx] = f.st.Operators[last]
	f.st.Operators = f.st.Operators[:last]
	delete(f.st.Cache, name)
	f.mu.Unlock()

	f.emitter.Emit(events.OperatorRemovedEvent{Name: name})
	return nil
}

// RebuildCache 从 resolver 重新读取所需 operator 的定义；未解析的名称从缓存删除
func (f *Factory) RebuildCache() error {
	f.mu.Lock()
	names := append([]domain.OperatorName{}, f.st.Operators...)
	updated := make([]events.CacheUpdatedEvent, 0, len(names))
	for _, name := range names {
		def := f.resolver.GetOperator(name)
		if def.IsZero() {
			delete(f.st.Cache, name)
		} else {
			f.st.Cache[name] = def
		}
		updated = append(updated, events.CacheUpdatedEvent{
			Name:           name,
			Implementation: def.Implementation,
			Selector:       def.Selector.String(),
		})
	}
	f.mu.Unlock()

	for _, e := range updated {
		f.emitter.Emit(e)
	}
	return nil
}

// IsResolverCached 缓存是否与 resolver 一致
func (f *Factory) IsResolverCached() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, name := range f.st.Operators {
		resolved := f.resolver.GetOperator(name)
		if resolved.IsZero() || f.st.Cache[name] != resolved {
			return false
		}
	}
	return true
}

// Operators 所需 operator 名称
func (f *Factory) Operators() []domain.OperatorName {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]domain.OperatorName{}, f.st.Operators...)
}

// requireOperator 从本地缓存读取定义
func (f *Factory) requireOperator(name domain.OperatorName) (operator.Definition, error) {
	f.mu.RLock()
	def, ok := f.st.Cache[name]
	f.mu.RUnlock()
	if !ok || def.IsZero() {
		return operator.Definition{}, domain.NewRevert(domain.KindExecution, "MOR: MISSING_OPERATOR: "+name.String())
	}
	return def, nil
}

// UpdateVIPDiscount 设置 VIP 折扣（千分比，必须 < 1000）与所需最低质押
func (f *Factory) UpdateVIPDiscount(caller common.Address, discount uint64, minAmount *big.Int) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	if discount >= VIPDiscountDenominator {
		return ErrDiscountTooHigh
	}
	if minAmount == nil || minAmount.Sign() < 0 {
		return ErrInvalidAmount
	}
	f.mu.Lock()
	f.st.VIPDiscount = discount
	f.st.VIPMinAmount = new(big.Int).Set(minAmount)
	f.mu.Unlock()
	f.emitter.Emit(events.VipDiscountChangedEvent{Discount: discount, MinAmount: new(big.Int).Set(minAmount)})
	return nil
}

// VIPDiscount 当前折扣与门槛
func (f *Factory) VIPDiscount() (uint64, *big.Int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.VIPDiscount, new(big.Int).Set(f.st.VIPMinAmount)
}

// SetStakingOracle 替换质押数量来源；nil 表示关闭 VIP 折扣
func (f *Factory) SetStakingOracle(caller common.Address, oracle staking.Oracle) error {
	if err := f.OnlyOwner(caller); err != nil {
		return err
	}
	f.mu.Lock()
	f.staking = oracle
	f.mu.Unlock()
	return nil
}

// UnlockTokens 把滞留在 engine 账户的代币转给管理员
func (f *Factory) UnlockTokens(caller, token common.Address) (*big.Int, error) {
	if err := f.OnlyOwner(caller); err != nil {
		return nil, err
	}
	var amount *big.Int
	err := f.call(func() error {
		if token == domain.ETH {
			amount = f.bank.NativeBalanceOf(f.self)
			if amount.Sign() == 0 {
				return nil
			}
			if err := f.bank.TransferNative(f.self, caller, amount); err != nil {
				return err
			}
			f.emitter.Emit(events.TokensUnlockedEvent{Token: token, Amount: new(big.Int).Set(amount)})
			return nil
		}
		amount = f.bank.BalanceOf(token, f.self)
		if amount.Sign() == 0 {
			return nil
		}
		if err := f.bank.Transfer(token, f.self, caller, amount); err != nil {
			return err
		}
		f.emitter.Emit(events.TokensUnlockedEvent{Token: token, Amount: new(big.Int).Set(amount)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		logger.WithField("component", "factory").Infof("tokens unlocked: token=%s amount=%s", token.Hex(), amount)
	}
	return amount, nil
}

func (f *Factory) Snapshot() any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.st.clone()
}

func (f *Factory) Restore(snapshot any) {
	st := snapshot.(state)
	f.mu.Lock()
	f.st = st.clone()
	f.mu.Unlock()
}

func (f *Factory) StateKey() string { return "factory" }

func (f *Factory) MarshalState() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return json.Marshal(f.st)
}

func (f *Factory) UnmarshalState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode factory state: %w", err)
	}
	if st.Cache == nil {
		st.Cache = make(map[domain.OperatorName]operator.Definition)
	}
	if st.VIPMinAmount == nil {
		st.VIPMinAmount = new(big.Int)
	}
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
	return nil
}

func (s state) clone() state {
	out := state{
		Operators:    append([]domain.OperatorName{}, s.Operators...),
		Cache:        make(map[domain.OperatorName]operator.Definition, len(s.Cache)),
		VIPDiscount:  s.VIPDiscount,
		VIPMinAmount: new(big.Int).Set(s.VIPMinAmount),
	}
	for k, v := range s.Cache {
		out.Cache[k] = v
	}
	return out
}
