package chain

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	ErrUnknownToken        = domain.NewRevert(domain.KindValidation, "ERC20: unknown token")
	ErrTokenExists         = domain.NewRevert(domain.KindValidation, "ERC20: token already registered")
	ErrInvalidAmount       = domain.NewRevert(domain.KindValidation, "ERC20: invalid amount")
	ErrInsufficientBalance = domain.NewRevert(domain.KindAccounting, "ERC20: transfer amount exceeds balance")
	ErrInsufficientNative  = domain.NewRevert(domain.KindAccounting, "ETH: insufficient balance")
)

// TokenInfo ERC-20 元数据
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	// TransferFeeBps 每次转账销毁的比例（基点），用于模拟通缩 / fee-on-transfer 代币
	TransferFeeBps uint16 `json:"transfer_fee_bps"`
}

type bankState struct {
	Tokens   map[common.Address]TokenInfo                     `json:"tokens"`
	Balances map[common.Address]map[common.Address]*big.Int `json:"balances"` // token -> holder -> amount
	Native   map[common.Address]*big.Int                      `json:"native"`
}

// Bank 执行环境中的代币账本：ERC-20 余额、原生币余额以及 WETH 的 wrap/unwrap。
// 所有组件（reserve、factory、fee splitter、router）都通过地址在这里持有资产。
type Bank struct {
	mu   sync.RWMutex
	weth common.Address
	st   bankState
}

// NewBank 创建账本，weth 为包装原生币的代币地址（需要随后通过 RegisterToken 注册）
func NewBank(weth common.Address) *Bank {
	return &Bank{
		weth: weth,
		st: bankState{
			Tokens:   make(map[common.Address]TokenInfo),
			Balances: make(map[common.Address]map[common.Address]*big.Int),
			Native:   make(map[common.Address]*big.Int),
		},
	}
}

// WETH 返回包装原生币地址
func (b *Bank) WETH() common.Address { return b.weth }

// RegisterToken 注册一个 ERC-20
func (b *Bank) RegisterToken(info TokenInfo) error {
	if info.Address == (common.Address{}) || info.Address == domain.ETH {
		return ErrUnknownToken.Withf("invalid token address %s", info.Address.Hex())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.st.Tokens[info.Address]; ok {
		return ErrTokenExists.Withf("%s", info.Symbol)
	}
	b.st.Tokens[info.Address] = info
	b.st.Balances[info.Address] = make(map[common.Address]*big.Int)
	return nil
}

// Token 查询代币元数据
func (b *Bank) Token(addr common.Address) (TokenInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.st.Tokens[addr]
	return info, ok
}

// TokenBySymbol 按符号查找代币
func (b *Bank) TokenBySymbol(symbol string) (TokenInfo, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, info := range b.st.Tokens {
		if info.Symbol == symbol {
			return info, true
		}
	}
	return TokenInfo{}, false
}

// Tokens 按地址排序返回全部已注册代币
func (b *Bank) Tokens() []TokenInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TokenInfo, 0, len(b.st.Tokens))
	for _, info := range b.st.Tokens {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Cmp(out[j].Address) < 0 })
	return out
}

// BalanceOf 返回余额副本，未知代币/持有人返回 0
func (b *Bank) BalanceOf(token, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.st.Balances[token][holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Transfer 从 from 转给 to。发送方扣除 amount，接收方收到 amount 扣掉 TransferFeeBps 部分（被销毁）。
func (b *Bank) Transfer(token, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.st.Tokens[token]
	if !ok {
		return ErrUnknownToken.Withf("%s", token.Hex())
	}
	if amount.Sign() == 0 {
		return nil
	}
	holders := b.st.Balances[token]
	if balanceOf(holders, from).Cmp(amount) < 0 {
		return ErrInsufficientBalance.Withf("%s holder=%s want=%s have=%s",
			info.Symbol, from.Hex(), amount, balanceOf(holders, from))
	}
	received := new(big.Int).Set(amount)
	if info.TransferFeeBps > 0 {
		burned := new(big.Int).Mul(amount, big.NewInt(int64(info.TransferFeeBps)))
		burned.Quo(burned, big.NewInt(10_000))
		received.Sub(received, burned)
	}
	setBalance(holders, from, new(big.Int).Sub(balanceOf(holders, from), amount))
	setBalance(holders, to, new(big.Int).Add(balanceOf(holders, to), received))
	return nil
}

// Mint 凭空增发（创世余额、测试夹具）
func (b *Bank) Mint(token, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	holders, ok := b.st.Balances[token]
	if !ok {
		return ErrUnknownToken.Withf("%s", token.Hex())
	}
	setBalance(holders, to, new(big.Int).Add(balanceOf(holders, to), amount))
	return nil
}

// NativeBalanceOf 原生币余额
func (b *Bank) NativeBalanceOf(holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(balanceOf(b.st.Native, holder))
}

// MintNative 增发原生币
func (b *Bank) MintNative(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	setBalance(b.st.Native, to, new(big.Int).Add(balanceOf(b.st.Native, to), amount))
	return nil
}

// TransferNative 转账原生币
func (b *Bank) TransferNative(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveNative(from, to, amount)
}

// Deposit 将 holder 的原生币包装为等量 WETH
func (b *Bank) Deposit(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	holders, ok := b.st.Balances[b.weth]
	if !ok {
		return ErrUnknownToken.Withf("weth not registered")
	}
	if err := b.burnNative(holder, amount); err != nil {
		return err
	}
	setBalance(holders, holder, new(big.Int).Add(balanceOf(holders, holder), amount))
	return nil
}

// Withdraw 将 holder 的 WETH 解包为原生币
func (b *Bank) Withdraw(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	holders, ok := b.st.Balances[b.weth]
	if !ok {
		return ErrUnknownToken.Withf("weth not registered")
	}
	if balanceOf(holders, holder).Cmp(amount) < 0 {
		return ErrInsufficientBalance.Withf("WETH holder=%s", holder.Hex())
	}
	setBalance(holders, holder, new(big.Int).Sub(balanceOf(holders, holder), amount))
	setBalance(b.st.Native, holder, new(big.Int).Add(balanceOf(b.st.Native, holder), amount))
	return nil
}

func (b *Bank) moveNative(from, to common.Address, amount *big.Int) error {
	if err := b.burnNative(from, amount); err != nil {
		return err
	}
	setBalance(b.st.Native, to, new(big.Int).Add(balanceOf(b.st.Native, to), amount))
	return nil
}

func (b *Bank) burnNative(from common.Address, amount *big.Int) error {
	if balanceOf(b.st.Native, from).Cmp(amount) < 0 {
		return ErrInsufficientNative.Withf("holder=%s want=%s", from.Hex(), amount)
	}
	setBalance(b.st.Native, from, new(big.Int).Sub(balanceOf(b.st.Native, from), amount))
	return nil
}

// Snapshot 深拷贝当前状态
func (b *Bank) Snapshot() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.st.clone()
}

// Restore 恢复到 Snapshot 返回的状态
func (b *Bank) Restore(snapshot any) {
	st := snapshot.(bankState)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st = st.clone()
}

func (s bankState) clone() bankState {
	out := bankState{
		Tokens:   make(map[common.Address]TokenInfo, len(s.Tokens)),
		Balances: make(map[common.Address]map[common.Address]*big.Int, len(s.Balances)),
		Native:   cloneBalances(s.Native),
	}
	for addr, info := range s.Tokens {
		out.Tokens[addr] = info
	}
	for token, holders := range s.Balances {
		out.Balances[token] = cloneBalances(holders)
	}
	return out
}

func cloneBalances(m map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(m))
	for k, v := range m {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

func balanceOf(m map[common.Address]*big.Int, holder common.Address) *big.Int {
	if v, ok := m[holder]; ok {
		return v
	}
	return new(big.Int)
}

func setBalance(m map[common.Address]*big.Int, holder common.Address, v *big.Int) {
	if v.Sign() == 0 {
		delete(m, holder)
		return
	}
	m[holder] = v
}
