package operator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nestfolio/nestfolio/internal/domain"
)

var (
	// FlatTransferSelector transfer(address,uint256)
	FlatTransferSelector = SelectorOf("transfer(address,uint256)")

	ErrFlatInvalidAmount = domain.NewRevert(domain.KindExecution, "FO: INVALID_AMOUNT")
)

// FlatOperator 原样存入代币：不做兑换，买入 = 花费 = amount
type FlatOperator struct{}

var _ Operator = FlatOperator{}

func (FlatOperator) Handle(_ *Context, selector Selector, args []byte) (*Result, error) {
	if selector != FlatTransferSelector {
		return nil, ErrUnknownSelector.Withf("selector=%s", selector)
	}
	token, amount, err := decodeFlat(args)
	if err != nil {
		return nil, err
	}
	if amount.Sign() <= 0 {
		return nil, ErrFlatInvalidAmount
	}
	return &Result{
		Amounts: [2]*big.Int{new(big.Int).Set(amount), new(big.Int).Set(amount)},
		Tokens:  [2]common.Address{token, token},
	}, nil
}
