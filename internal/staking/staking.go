// Package staking VIP 折扣依据的质押数量来源
package staking

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
	"github.com/nestfolio/nestfolio/internal/events"
)

var (
	ErrInvalidAmount     = domain.NewRevert(domain.KindValidation, "SP: INVALID_AMOUNT")
	ErrInsufficientStake = domain.NewRevert(domain.KindAccounting, "SP: INSUFFICIENT_STAKE")
)

// Oracle 查询某账户的质押数量
type Oracle interface {
	StakedAmount(ctx context.Context, account common.Address) (*big.Int, error)
}

// Bank 质押池所需的账本能力
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// Pool 运行在执行环境内的质押合约：质押 token 由 Address() 托管
type Pool struct {
	addr    common.Address
	token   common.Address
	bank    Bank
	emitter events.Emitter

	mu     sync.RWMutex
	stakes map[common.Address]*big.Int
}

var _ Oracle = (*Pool)(nil)

func NewPool(addr, token common.Address, bank Bank, emitter events.Emitter) *Pool {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Pool{
		addr:    addr,
		token:   token,
		bank:    bank,
		emitter: emitter,
		stakes:  make(map[common.Address]*big.Int),
	}
}

func (p *Pool) Address() common.Address { return p.addr }
func (p *Pool) Token() common.Address   { return p.token }

// Stake 从 account 转入 amount，按实际到账数量记账
func (p *Pool) Stake(account common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	before := p.bank.BalanceOf(p.token, p.addr)
	if err := p.bank.Transfer(p.token, account, p.addr, amount); err != nil {
		return nil, fmt.Errorf("stake: %w", err)
	}
	received := new(big.Int).Sub(p.bank.BalanceOf(p.token, p.addr), before)

	p.mu.Lock()
	p.stakes[account] = new(big.Int).Add(p.stakedLocked(account), received)
	p.mu.Unlock()
	p.emitter.Emit(events.StakedEvent{Account: account, Amount: received})
	return received, nil
}

// Unstake 取回 amount
func (p *Pool) Unstake(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	current := p.stakedLocked(account)
	if current.Cmp(amount) < 0 {
		p.mu.Unlock()
		return ErrInsufficientStake.Withf("have=%s want=%s", current, amount)
	}
	p.stakes[account] = new(big.Int).Sub(current, amount)
	p.mu.Unlock()

	if err := p.bank.Transfer(p.token, p.addr, account, amount); err != nil {
		return fmt.Errorf("unstake: %w", err)
	}
	p.emitter.Emit(events.UnstakedEvent{Account: account, Amount: new(big.Int).Set(amount)})
	return nil
}

func (p *Pool) StakedAmount(_ context.Context, account common.Address) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return new(big.Int).Set(p.stakedLocked(account)), nil
}

func (p *Pool) stakedLocked(account common.Address) *big.Int {
	if v, ok := p.stakes[account]; ok {
		return v
	}
	return new(big.Int)
}

func (p *Pool) Snapshot() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneStakes(p.stakes)
}

func (p *Pool) Restore(snapshot any) {
	m := snapshot.(map[common.Address]*big.Int)
	p.mu.Lock()
	p.stakes = cloneStakes(m)
	p.mu.Unlock()
}

func (p *Pool) StateKey() string { return "staking" }

func (p *Pool) MarshalState() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return json.Marshal(p.stakes)
}

func (p *Pool) UnmarshalState(data []byte) error {
	m := make(map[common.Address]*big.Int)
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode staking state: %w", err)
	}
	p.mu.Lock()
	p.stakes = m
	p.mu.Unlock()
	return nil
}

func cloneStakes(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
