package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ETH 原生币的哨兵地址（与链上集成约定一致）
var ETH = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// OperatorName 定长的 operator 标识（bytes32，右侧补零）
type OperatorName [32]byte

// NameOf 将字符串编码为 bytes32；超过 32 字节的部分被截断
func NameOf(s string) OperatorName {
	var n OperatorName
	copy(n[:], s)
	return n
}

// String 去掉尾部补零
func (n OperatorName) String() string {
	end := len(n)
	for end > 0 && n[end-1] == 0 {
		end--
	}
	return string(n[:end])
}

// IsZero 是否为空名称
func (n OperatorName) IsZero() bool {
	return n == OperatorName{}
}

func (n OperatorName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *OperatorName) UnmarshalText(b []byte) error {
	*n = NameOf(string(b))
	return nil
}

// Order 单条声明式指令：使用哪个 operator、期望的代币、以及透传给 operator 的编码参数。
// 在买入批次中 Token 是输出代币，在卖出批次中 Token 是被卖出的输入代币。
type Order struct {
	Operator OperatorName
	Token    common.Address
	CallData []byte
}

// BatchedInputOrders 一笔输入资金拆分到多条买入指令
type BatchedInputOrders struct {
	InputToken  common.Address
	Amount      *big.Int
	Orders      []Order
	FromReserve bool // true 表示从组合自身持仓中扣减，而不是从调用方钱包转入
}

// BatchedOutputOrders 多条卖出指令汇总为一个输出代币
type BatchedOutputOrders struct {
	OutputToken common.Address
	Amounts     []*big.Int // 与 Orders 一一对应：每条指令卖出的持仓数量
	Orders      []Order
	ToReserve   bool // true 表示买到的代币记回组合，false 表示直接支付给 owner
}

// Msg 调用上下文（等价于 msg.sender / msg.value）
type Msg struct {
	Sender common.Address
	Value  *big.Int
}

// ValueOrZero 返回 msg.value，未设置时为 0
func (m Msg) ValueOrZero() *big.Int {
	if m.Value == nil {
		return new(big.Int)
	}
	return m.Value
}
