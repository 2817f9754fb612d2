package operator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	bytesType   = mustType("bytes")

	flatArgs   = abi.Arguments{{Type: addressType}, {Type: uint256Type}}
	swapArgs   = abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: bytesType}}
	routerArgs = abi.Arguments{{Type: addressType}, {Type: addressType}, {Type: uint256Type}}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeFlat 编码 transfer(address token, uint256 amount) 的参数
func EncodeFlat(token common.Address, amount *big.Int) []byte {
	b, err := flatArgs.Pack(token, amount)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeSwap 编码 performSwap(address sellToken, address buyToken, bytes swapCallData) 的参数
func EncodeSwap(sellToken, buyToken common.Address, swapCallData []byte) []byte {
	b, err := swapArgs.Pack(sellToken, buyToken, swapCallData)
	if err != nil {
		panic(err)
	}
	return b
}

// EncodeRouterSwap 编码 StaticRouter 的 swap(address,address,uint256) 调用（含选择器）
func EncodeRouterSwap(sellToken, buyToken common.Address, amountIn *big.Int) []byte {
	b, err := routerArgs.Pack(sellToken, buyToken, amountIn)
	if err != nil {
		panic(err)
	}
	sel := RouterSwapSelector
	return append(sel[:], b...)
}

func decodeFlat(args []byte) (common.Address, *big.Int, error) {
	vals, err := flatArgs.Unpack(args)
	if err != nil {
		return common.Address{}, nil, ErrInvalidArgs.With(err)
	}
	token, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, ErrInvalidArgs
	}
	return token, amount, nil
}

func decodeSwap(args []byte) (common.Address, common.Address, []byte, error) {
	vals, err := swapArgs.Unpack(args)
	if err != nil {
		return common.Address{}, common.Address{}, nil, ErrInvalidArgs.With(err)
	}
	sell, ok1 := vals[0].(common.Address)
	buy, ok2 := vals[1].(common.Address)
	data, ok3 := vals[2].([]byte)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, common.Address{}, nil, ErrInvalidArgs
	}
	return sell, buy, data, nil
}

func decodeRouterSwap(data []byte) (common.Address, common.Address, *big.Int, error) {
	if len(data) < 4 || Selector(data[:4]) != RouterSwapSelector {
		return common.Address{}, common.Address{}, nil, ErrUnknownSelector
	}
	vals, err := routerArgs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, common.Address{}, nil, ErrInvalidArgs.With(err)
	}
	sell, ok1 := vals[0].(common.Address)
	buy, ok2 := vals[1].(common.Address)
	amount, ok3 := vals[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return common.Address{}, common.Address{}, nil, ErrInvalidArgs
	}
	return sell, buy, amount, nil
}
