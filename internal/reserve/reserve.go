// Package reserve 所有组合共享的托管金库，只有 factory 可以动用
package reserve

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/access"
	"github.com/nestfolio/nestfolio/internal/domain"
)

var ErrInvalidRecipient = domain.NewRevert(domain.KindValidation, "NRE: INVALID_ADDRESS")

// Bank 托管所需的账本能力
type Bank interface {
	BalanceOf(token, holder common.Address) *big.Int
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// Reserve 托管金库。余额记在 bank 中 Address() 名下。
type Reserve struct {
	*access.FactoryHandler

	addr common.Address
	bank Bank
}

func New(owner, addr common.Address, bank Bank) *Reserve {
	return &Reserve{
		FactoryHandler: access.NewFactoryHandler(owner),
		addr:           addr,
		bank:           bank,
	}
}

// Address 金库账户地址
func (r *Reserve) Address() common.Address { return r.addr }

// BalanceOf 金库持有的某代币数量
func (r *Reserve) BalanceOf(token common.Address) *big.Int {
	return r.bank.BalanceOf(token, r.addr)
}

// Transfer 把 amount 转给 to
func (r *Reserve) Transfer(caller, to, token common.Address, amount *big.Int) error {
	if err := r.OnlyFactory(caller); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if err := r.bank.Transfer(token, r.addr, to, amount); err != nil {
		return fmt.Errorf("reserve transfer: %w", err)
	}
	return nil
}

// Withdraw 把 amount 转回调用的 factory
func (r *Reserve) Withdraw(caller, token common.Address, amount *big.Int) error {
	if err := r.OnlyFactory(caller); err != nil {
		return err
	}
	if err := r.bank.Transfer(token, r.addr, caller, amount); err != nil {
		return fmt.Errorf("reserve withdraw: %w", err)
	}
	return nil
}
